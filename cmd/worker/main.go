// The worker command runs one recryption workflow to completion against the
// database. The API server runs the same workflows through its job queue;
// this binary is the operational escape hatch for manual backfills and
// scheduled rotations.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"log"
	"os"
	"time"

	"hushfeed.org/internal/config"
	"hushfeed.org/internal/keyring"
	"hushfeed.org/internal/obs"
	"hushfeed.org/internal/recrypt"
	"hushfeed.org/internal/store/pg"
	"hushfeed.org/internal/trust"
)

func main() {
	log.SetFlags(0)
	var (
		cfgPath       = flag.String("config", os.Getenv("HUSHFEED_CONFIG"), "Path to YAML config")
		author        = flag.String("author", "", "Author DID")
		recipient     = flag.String("recipient", "", "Recipient DID")
		currentOnly   = flag.Bool("current-only", false, "Backfill only the current session")
		lookbackHours = flag.Int("lookback-hours", 0, "Backfill sessions created in the last N hours (0 = all)")
		prevPair      = flag.String("prev-pair", "", "Key pair id being rotated out")
		newPair       = flag.String("new-pair", "", "Replacement key pair id")
		prevPriv      = flag.String("prev-priv", "", "Base64 private key of the outgoing pair")
		newPub        = flag.String("new-pub", "", "Base64 public key of the replacement pair")
	)
	flag.Parse()

	if len(flag.Args()) != 1 {
		log.Fatal("usage: worker [add-recipient|delete-keys|revoke|rotate]")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("missing DSN: set pg_dsn or HUSHFEED_PG_DSN")
	}

	obs.Init()

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	workflows := recrypt.New(
		store,
		trust.NewClient(cfg.TrustBaseURL),
		keyring.NewClient(cfg.KeyringBaseURL),
		keyring.Box{},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var out recrypt.Outcome
	switch flag.Arg(0) {
	case "add-recipient":
		requireFlags(map[string]string{"author": *author, "recipient": *recipient})
		scope := recrypt.LookbackWindow(time.Duration(*lookbackHours) * time.Hour)
		if *currentOnly {
			scope = recrypt.CurrentOnly()
		}
		out, err = workflows.AddRecipient(ctx, *author, *recipient, scope)
	case "delete-keys":
		requireFlags(map[string]string{"author": *author, "recipient": *recipient})
		out, err = workflows.DeleteSessionKeys(ctx, *author, *recipient)
	case "revoke":
		requireFlags(map[string]string{"author": *author})
		out, err = workflows.RevokeSession(ctx, *author, *recipient)
	case "rotate":
		requireFlags(map[string]string{"prev-pair": *prevPair, "new-pair": *newPair, "prev-priv": *prevPriv, "new-pub": *newPub})
		priv := decodeKey("prev-priv", *prevPriv)
		pub := decodeKey("new-pub", *newPub)
		out, err = workflows.RotateSessionKeys(ctx, *prevPair, *newPair, priv, pub)
	default:
		log.Fatalf("unknown workflow %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
	if out.Aborted() {
		log.Printf("%s aborted: %s", flag.Arg(0), out.AbortReason)
		return
	}
	log.Printf("%s done, %d rows", flag.Arg(0), out.Rows)
}

func requireFlags(set map[string]string) {
	for name, val := range set {
		if val == "" {
			log.Fatalf("missing required flag -%s", name)
		}
	}
}

func decodeKey(name, val string) []byte {
	b, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		log.Fatalf("flag -%s is not valid base64: %v", name, err)
	}
	return b
}
