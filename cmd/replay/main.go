package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/app"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
)

func main() {
	db := flag.String("db", "replays.db", "replay database")
	match := flag.String("match", "", "match id to verify; lists matches when empty")
	fps := flag.Int("fps", session.DefaultFPS, "frame rate for recordings that did not store one")
	flag.Parse()

	ctx := context.Background()
	var err error
	if *match == "" {
		err = app.ListReplays(ctx, *db, os.Stdout)
	} else {
		err = app.VerifyReplay(ctx, *db, *match, *fps, os.Stdout)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}
