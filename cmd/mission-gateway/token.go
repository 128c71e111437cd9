// ABOUTME: Credential helpers: mint dashboard JWTs and hash producer service keys
// ABOUTME: Both print to stdout so the output can be piped into config or env files

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mission-gateway/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		principal string
		ttl       time.Duration
		claims    []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for a dashboard client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				return fmt.Errorf("--principal is required")
			}
			extra, err := parseClaims(claims)
			if err != nil {
				return err
			}

			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), auth.JWTOptions{
				Issuer:   cfg.Auth.Issuer,
				Audience: cfg.Auth.Audience,
			})
			if err != nil {
				return err
			}
			token, err := verifier.Generate(principal, ttl, extra)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&principal, "principal", "p", "", "principal ID carried in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringArrayVar(&claims, "claim", nil, "extra claim as key=value (repeatable)")
	return cmd
}

// parseClaims turns key=value pairs into a claim map. Reserved registered
// claims are refused so a flag cannot override the signer's own.
func parseClaims(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid claim %q: want key=value", p)
		}
		switch key {
		case "sub", "iss", "aud", "exp", "iat", "nbf":
			return nil, fmt.Errorf("claim %q is set by the signer", key)
		}
		extra[key] = value
	}
	return extra, nil
}

func newHashKeyCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "hash-key <name>",
		Short: "Create a service key for an event producer",
		Long: `hash-key prints a service_keys entry for the config file and the bearer
token the producer should send. A random secret is generated unless --secret
is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if strings.Contains(name, ":") {
				return fmt.Errorf("service key name must not contain ':'")
			}
			if secret == "" {
				generated, err := generateSecret()
				if err != nil {
					return err
				}
				secret = generated
			}
			hash, err := auth.HashServiceSecret(secret)
			if err != nil {
				return fmt.Errorf("hashing secret: %w", err)
			}

			out := cmd.OutOrStdout()
			gray := color.New(color.FgHiBlack)
			gray.Fprintln(out, "# add to auth.service_keys")
			fmt.Fprintf(out, "- name: %s\n  hash: %q\n\n", name, hash)
			gray.Fprintln(out, "# bearer token for the producer")
			fmt.Fprintf(out, "%s:%s\n", name, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "use this secret instead of generating one")
	return cmd
}

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
