package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/bcrypt"

	"prjevent.org/internal/auth"
	"prjevent.org/internal/credential"
	"prjevent.org/internal/store/pg"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:], os.Stdin)
	case "hash":
		err = runHash(os.Args[2:], os.Stdin)
	case "init-admin":
		err = runInitAdmin(os.Args[2:])
	case "groups":
		err = runGroups(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s keygen|encrypt|hash|init-admin|groups [flags]\n", os.Args[0])
	os.Exit(2)
}

// runKeygen writes private.pem (0600) and public.pem (0644) into -out.
func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", ".", "Output directory")
	bits := fs.Int("bits", credential.MinKeyBits, "RSA modulus size")
	_ = fs.Parse(args)

	pair, err := credential.GenerateKeyPair(*bits)
	if err != nil {
		return err
	}
	privPEM, err := pair.EncodePrivatePEM()
	if err != nil {
		return err
	}
	pubPEM, err := pair.EncodePublicPEM()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}
	privPath := filepath.Join(*out, "private.pem")
	if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
		return err
	}
	pubPath := filepath.Join(*out, "public.pem")
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s\n", privPath, pubPath)
	return nil
}

// runEncrypt prints the base64 ciphertext a client would submit as the
// login password.
func runEncrypt(args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	pubPath := fs.String("pub", "public.pem", "Public key PEM file")
	_ = fs.Parse(args)

	data, err := os.ReadFile(*pubPath)
	if err != nil {
		return err
	}
	pub, err := credential.ParsePublicKey(string(data))
	if err != nil {
		return err
	}
	secret, err := secretArg(fs.Args(), stdin)
	if err != nil {
		return err
	}
	ct, err := credential.Encrypt(secret, pub)
	if err != nil {
		return err
	}
	fmt.Println(ct)
	return nil
}

// runHash prints a digest suitable for the identities table.
func runHash(args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	algo := fs.String("algo", "argon2id", "Digest algorithm: argon2id or bcrypt")
	_ = fs.Parse(args)

	secret, err := secretArg(fs.Args(), stdin)
	if err != nil {
		return err
	}
	var digest string
	switch *algo {
	case "argon2id":
		digest, err = credential.Hash(secret)
	case "bcrypt":
		digest, err = credential.HashBcrypt(secret, bcrypt.DefaultCost)
	default:
		return fmt.Errorf("unknown algorithm %q", *algo)
	}
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}

func runInitAdmin(args []string) error {
	fs := flag.NewFlagSet("init-admin", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("PRJEVENT_PG_DSN"), "PostgreSQL DSN")
	_ = fs.Parse(args)

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	password, created, err := auth.BootstrapAdmin(ctx, store)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("%s already exists; nothing changed\n", auth.BootstrapAdminCode)
		return nil
	}
	fmt.Printf("created %s with password %s\n", auth.BootstrapAdminCode, password)
	return nil
}

func runGroups(args []string) error {
	fs := flag.NewFlagSet("groups", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("PRJEVENT_PG_DSN"), "PostgreSQL DSN")
	_ = fs.Parse(args)

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tENABLED\tDESCRIPTION")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", g.Code, g.Name, g.Enabled, g.Description)
	}
	return tw.Flush()
}

func openStore(dsn string) (*pg.Store, error) {
	if dsn == "" {
		return nil, errors.New("missing DSN: provide via -dsn or PRJEVENT_PG_DSN")
	}
	return pg.Open(dsn)
}

// secretArg takes the secret from the first argument, or the first line of
// stdin when there is none, so it need not appear in shell history.
func secretArg(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 4096))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", errors.New("no secret given")
	}
	return line, nil
}
