// Command verify checks a revealed round offline: the seed must match the
// published commitment and reproduce the published crash multiplier.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"crash/internal/game"
)

func main() {
	var (
		seed       = flag.String("seed", "", "revealed server seed")
		salt       = flag.String("salt", game.DEFAULT_CLIENT_SALT, "client salt of the round")
		hash       = flag.String("hash", "", "published server seed hash")
		multiplier = flag.String("multiplier", "", "published crash multiplier")
		key        = flag.String("key", os.Getenv("SERVER_KEY"), "commitment key (defaults to $SERVER_KEY)")
	)
	flag.Parse()
	log.SetFlags(0)

	if *seed == "" {
		log.Fatal("verify: -seed is required")
	}

	recomputed := game.CrashPoint(*seed, *salt)
	fmt.Printf("crash multiplier: %s\n", recomputed.StringFixed(2))

	if *hash == "" || *multiplier == "" {
		return
	}

	published, err := decimal.NewFromString(*multiplier)
	if err != nil {
		log.Fatalf("verify: invalid -multiplier: %v", err)
	}
	if game.VerifyRound(*seed, *salt, *hash, published, *key) {
		fmt.Println("result: VALID")
		return
	}

	if game.HashCommitment(*seed, *key) != *hash {
		fmt.Println("result: INVALID (seed does not match the commitment)")
	} else {
		fmt.Printf("result: INVALID (published %s, recomputed %s)\n", published.StringFixed(2), recomputed.StringFixed(2))
	}
	os.Exit(1)
}
