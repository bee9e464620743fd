package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"wardrelay/internal/config"
	"wardrelay/internal/identity"
	"wardrelay/internal/protocol"
	"wardrelay/internal/store"
)

// RunCLI handles subcommand execution. It reports whether args named a
// subcommand; the caller serves otherwise.
func RunCLI(args []string, cfg config.Config, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "wardrelay %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(cfg, out)
	case "rooms":
		return true, cliRooms(cfg, out)
	case "token":
		return true, cliToken(args[1:], cfg, out)
	default:
		return true, fmt.Errorf("unknown command %q (want version, status, rooms or token)", args[0])
	}
}

func cliStatus(cfg config.Config, out io.Writer) error {
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	c, err := st.Counts(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s (%s)\n", cfg.DBDSN, cfg.DBDriver)
	fmt.Fprintf(out, "Rooms: %d\n", c.Rooms)
	fmt.Fprintf(out, "Participants: %d\n", c.Participants)
	fmt.Fprintf(out, "Messages: %d\n", c.Messages)
	fmt.Fprintf(out, "Read receipts: %d\n", c.Receipts)
	fmt.Fprintf(out, "Reactions: %d\n", c.Reactions)
	fmt.Fprintf(out, "Attachments: %d\n", c.Blobs)
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func cliRooms(cfg config.Config, out io.Writer) error {
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	rooms, err := st.Rooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No rooms found.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Name", "Type", "Active", "Created By", "Last Message"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range rooms {
		ps, err := st.Participants(ctx, r.ID)
		if err != nil {
			return err
		}
		active := 0
		for _, p := range ps {
			if p.IsActive {
				active++
			}
		}
		last := "-"
		if r.LastMessageAt > 0 {
			last = time.UnixMilli(r.LastMessageAt).UTC().Format(time.RFC3339)
		}
		table.Append([]string{r.ID, r.Name, r.Type, strconv.Itoa(active), r.CreatedBy, last})
	}
	table.Render()
	return nil
}

func cliToken(args []string, cfg config.Config, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "user id (token subject)")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "", "role claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if *user == "" {
		return errors.New("usage: wardrelay token -user <id> [-name <display name>] [-role <role>] [-ttl 24h]")
	}

	r, err := identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	token, err := r.Issue(protocol.Identity{ID: *user, DisplayName: *name, Role: *role}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
