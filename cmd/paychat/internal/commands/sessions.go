package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wolfeidau/paychat/internal/issuer"
	"github.com/wolfeidau/paychat/internal/logger"
	"github.com/wolfeidau/paychat/internal/session"
	"github.com/wolfeidau/paychat/internal/store"
)

type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" help:"List stored sessions"`
	Delete SessionsDeleteCmd `cmd:"" help:"Delete a stored session"`
	Login  SessionsLoginCmd  `cmd:"" help:"Log a principal in with an emailed one-time password"`
}

type SessionsListCmd struct {
	All bool `help:"Include expired and inactive sessions."`
}

func (l *SessionsListCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := loadConfig(globals)
	if err != nil {
		return err
	}

	fs, err := openFileStore(cfg, log)
	if err != nil {
		return err
	}

	env, err := fs.Load()
	if err != nil {
		if errors.Is(err, store.ErrPersistence) {
			return err
		}
		log.Warn().Err(err).Msg("Session store recovered with data loss")
	}

	printSessions(os.Stdout, env, time.Now(), cfg.Session.InactivityTimeout, l.All)
	return nil
}

func printSessions(w io.Writer, env *store.Envelope, now time.Time, inactivity time.Duration, all bool) {
	keys := make([]string, 0, len(env.Sessions))
	for key := range env.Sessions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return env.Sessions[keys[i]].PrincipalID < env.Sessions[keys[j]].PrincipalID
	})

	fmt.Fprintf(w, "%-20s %-24s %-20s %-20s %-12s %-8s\n",
		"Principal", "Organization", "Expires At", "Last Activity", "Action", "Status")
	fmt.Fprintln(w, strings.Repeat("─", 110))

	shown := 0
	for _, key := range keys {
		rec := env.Sessions[key]

		status := "live"
		switch {
		case !now.Before(rec.CredentialExpiry):
			status = "expired"
		case now.Sub(rec.LastActivity) > inactivity:
			status = "inactive"
		}
		if status != "live" && !all {
			continue
		}

		action := "-"
		if rec.ConversationState != nil && rec.ConversationState.CurrentAction != "" {
			action = rec.ConversationState.CurrentAction
		}

		fmt.Fprintf(w, "%-20s %-24s %-20s %-20s %-12s %-8s\n",
			key,
			orDash(rec.OrganizationID),
			rec.CredentialExpiry.Local().Format(time.DateTime),
			rec.LastActivity.Local().Format(time.DateTime),
			action,
			status,
		)
		shown++
	}

	fmt.Fprintf(w, "\n%d of %d sessions shown\n", shown, len(keys))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type SessionsDeleteCmd struct {
	Principal int64 `arg:"" help:"Principal ID to delete."`
}

func (d *SessionsDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := loadConfig(globals)
	if err != nil {
		return err
	}

	manager, err := openManager(ctx, cfg, log, nil)
	if err != nil {
		return err
	}

	deleted := manager.Delete(session.PrincipalID(d.Principal))

	if err := manager.Close(ctx); err != nil {
		return err
	}

	if !deleted {
		fmt.Printf("No session for principal %d\n", d.Principal)
		return nil
	}

	fmt.Printf("Deleted session for principal %d\n", d.Principal)
	return nil
}

type SessionsLoginCmd struct {
	Principal int64  `help:"Principal ID to store the session under." required:""`
	Email     string `help:"Email address to send the one-time password to." required:""`
}

func (c *SessionsLoginCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := loadConfig(globals)
	if err != nil {
		return err
	}

	client, err := issuer.New(cfg.Issuer, issuer.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create issuer client: %w", err)
	}

	challenge, err := client.RequestOTP(ctx, c.Email)
	if err != nil {
		return err
	}

	fmt.Printf("A one-time password was sent to %s\nOTP: ", challenge.Email)
	otp, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read otp: %w", err)
	}

	login, err := client.VerifyOTP(ctx, challenge.Email, strings.TrimSpace(otp), challenge.SID)
	if err != nil {
		return err
	}

	manager, err := openManager(ctx, cfg, log, client)
	if err != nil {
		return err
	}

	id := session.PrincipalID(c.Principal)
	rec := manager.Set(id, session.Record{
		Credential:       login.Credential,
		CredentialExpiry: login.CredentialExpiry,
		OrganizationID:   login.OrganizationID,
	})

	if err := manager.Close(ctx); err != nil {
		return err
	}

	fmt.Printf("Logged in principal %s (organization %s), session expires %s\n",
		id, orDash(rec.OrganizationID), rec.CredentialExpiry.Local().Format(time.DateTime))

	return nil
}
