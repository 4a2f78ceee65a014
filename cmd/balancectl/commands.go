package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-balance-go/internal/webhook"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "balancectl",
		Short:         "Operator utilities for the balance service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(credhashCmd())
	root.AddCommand(signWebhookCmd())
	root.AddCommand(tokenCmd())
	return root
}

func credhashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credhash [secret]",
		Short: "Print the bcrypt hash for auth.operator_password_bcrypt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = line
			}
			hash, err := auth.HashCredential(secret)
			if err != nil {
				return fmt.Errorf("hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func signWebhookCmd() *cobra.Command {
	var secret, file, header string
	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Sign a webhook body the way the payment provider does",
		Long:  "Reads the JSON body from --file or stdin and prints the hex HMAC-SHA256 signature.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("BALANCE_WEBHOOK_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or BALANCE_WEBHOOK_SECRET is required")
			}
			var body []byte
			var err error
			if file != "" {
				body, err = os.ReadFile(file)
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			sig := webhook.Sign(body, secret)
			if header != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", header, sig)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "webhook signing secret")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the exact request body")
	cmd.Flags().StringVar(&header, "header", "", "print as a header line with this name")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret, keysetFile string
		subject, actorType string
		ttl                time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a service or operator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if actorType != auth.ActorService && actorType != auth.ActorOperator {
				return fmt.Errorf("--type must be %s or %s", auth.ActorService, auth.ActorOperator)
			}
			if secret == "" {
				secret = os.Getenv("BALANCE_AUTH_JWT_SECRET")
			}
			var keyset auth.HMACKeyset
			var err error
			if keysetFile != "" {
				keyset, err = auth.LoadHMACKeysetFile(keysetFile)
			} else {
				keyset, err = auth.ParseHMACKeyset(secret, "", "")
			}
			if err != nil {
				return fmt.Errorf("load jwt keyset: %w", err)
			}
			tok, exp, err := auth.NewJWTSignerWithKeyset(keyset).SignActor(auth.Actor{ID: subject, Type: actorType}, time.Now().UTC(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "jwt signing secret (default $BALANCE_AUTH_JWT_SECRET)")
	cmd.Flags().StringVar(&keysetFile, "keyset-file", "", "jwt keyset file; signs with its active kid")
	cmd.Flags().StringVar(&subject, "subject", "", "actor id placed in the sub claim")
	cmd.Flags().StringVar(&actorType, "type", auth.ActorService, "actor type: service or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("provide secret as arg or stdin")
		}
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	return secret, nil
}
