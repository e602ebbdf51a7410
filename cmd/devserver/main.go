package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/TomPython98/pinit-backend-sub005/devserver"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	users := flag.String("seed", "alice,bob", "comma-separated usernames to seed demo events for")
	flag.Parse()

	secret := os.Getenv("DEVSERVER_JWT_SECRET")
	if len(secret) < 32 {
		log.Fatal("DEVSERVER_JWT_SECRET must be set and at least 32 characters")
	}

	srv := devserver.New(secret)
	seeded := []string{}
	for _, u := range strings.Split(*users, ",") {
		if u = strings.TrimSpace(u); u != "" {
			seeded = append(seeded, u)
		}
	}
	srv.Seed(seeded)
	log.Printf("devserver listening on %s, seeded users: %v", *addr, seeded)

	if err := srv.Router().Run(*addr); err != nil {
		log.Fatal(err)
	}
}
