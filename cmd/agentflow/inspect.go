package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
)

type inspectFlags struct {
	kind        string
	session     string
	checkpoints bool
	asJSON      bool
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect STORE",
		Short: "Dump the conversations kept in a store",
		Long: `Print every session kept in a conversation store: its cursor
(iteration, next sequence, outputs) and its transcript parts in order.

The store kind is detected from the path unless --kind is given: a
directory holding file sessions is "file", a directory holding a Badger
MANIFEST is "badger", anything else is opened as "sqlite".

With --checkpoints, STORE is a sqlite checkpoint database and the runs it
holds are listed instead.

Examples:
  agentflow inspect ./conversations
  agentflow inspect agentflow.db --session run-1/draft/1
  agentflow inspect checkpoints.db --checkpoints`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.checkpoints {
				return inspectCheckpoints(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			return inspectConversations(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.kind, "kind", "", "store kind: file, sqlite or badger (default: detected)")
	cmd.Flags().StringVar(&f.session, "session", "", "only this session")
	cmd.Flags().BoolVar(&f.checkpoints, "checkpoints", false, "list checkpointed runs instead")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print JSON")
	return cmd
}

// sessionDump is one session as printed by inspect.
type sessionDump struct {
	Session string               `json:"session"`
	Cursor  *conversation.Cursor `json:"cursor,omitempty"`
	Parts   []conversation.Part  `json:"parts"`
}

// sessionSource lists sessions and opens them.
type sessionSource struct {
	list  func(ctx context.Context) ([]string, error)
	open  func(session string) (conversation.Store, error)
	close func() error
}

func detectKind(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "sqlite"
	}
	if _, err := os.Stat(filepath.Join(path, "MANIFEST")); err == nil {
		return "badger"
	}
	return "file"
}

func openSource(path, kind string) (*sessionSource, error) {
	if kind == "" {
		kind = detectKind(path)
	}
	switch kind {
	case "file":
		return &sessionSource{
			list: func(context.Context) ([]string, error) { return conversation.FileSessions(path) },
			open: func(session string) (conversation.Store, error) {
				return conversation.NewFileStore(filepath.Join(path, filepath.FromSlash(session)))
			},
			close: func() error { return nil },
		}, nil
	case "sqlite":
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		db, err := conversation.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return &sessionSource{
			list:  db.Sessions,
			open:  func(session string) (conversation.Store, error) { return db.Session(session), nil },
			close: db.Close,
		}, nil
	case "badger":
		db, err := conversation.OpenBadger(conversation.DefaultBadgerConfig(path))
		if err != nil {
			return nil, err
		}
		return &sessionSource{
			list:  db.Sessions,
			open:  func(session string) (conversation.Store, error) { return db.Session(session), nil },
			close: db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func inspectConversations(ctx context.Context, w io.Writer, path string, f *inspectFlags) error {
	src, err := openSource(path, f.kind)
	if err != nil {
		return err
	}
	defer src.close()

	sessions, err := src.list(ctx)
	if err != nil {
		return err
	}
	if f.session != "" {
		sessions = []string{f.session}
	}

	dumps := make([]sessionDump, 0, len(sessions))
	for _, session := range sessions {
		d, err := dumpSession(ctx, src, session)
		if err != nil {
			return fmt.Errorf("session %s: %w", session, err)
		}
		dumps = append(dumps, d)
	}

	if f.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(dumps)
	}
	if len(dumps) == 0 {
		fmt.Fprintln(w, "no sessions")
	}
	for _, d := range dumps {
		printSession(w, d)
	}
	return nil
}

func dumpSession(ctx context.Context, src *sessionSource, session string) (sessionDump, error) {
	store, err := src.open(session)
	if err != nil {
		return sessionDump{}, err
	}
	defer store.Close()

	parts, err := store.ReadParts(ctx)
	if err != nil {
		return sessionDump{}, err
	}
	cursor, err := store.ReadCursor(ctx)
	if err != nil {
		return sessionDump{}, err
	}
	return sessionDump{Session: session, Cursor: cursor, Parts: parts}, nil
}

func printSession(w io.Writer, d sessionDump) {
	fmt.Fprintf(w, "session %s\n", d.Session)
	if d.Cursor != nil {
		outputs, _ := json.Marshal(d.Cursor.Outputs)
		fmt.Fprintf(w, "  cursor: iteration=%d next_seq=%d outputs=%s\n", d.Cursor.Iteration, d.Cursor.NextSeq, outputs)
	} else {
		fmt.Fprintln(w, "  cursor: none")
	}
	for _, p := range d.Parts {
		line := fmt.Sprintf("  [%d] %s: %s", p.Seq, p.Role, oneLine(p.Content))
		for _, tc := range p.ToolCalls {
			line += fmt.Sprintf(" {call %s %s %s}", tc.ID, tc.Name, tc.Arguments)
		}
		if p.ToolCallID != "" {
			line += " (result of " + p.ToolCallID + ")"
		}
		if p.IsError {
			line += " (error)"
		}
		fmt.Fprintln(w, line)
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", `\n`)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func inspectCheckpoints(ctx context.Context, w io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}
	store, err := checkpoint.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
	}
	for _, run := range runs {
		infos, err := store.List(ctx, run)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "run %s\n", run)
		for _, info := range infos {
			line := fmt.Sprintf("  #%d %s -> %s", info.Sequence, info.NodeID, orDash(info.NextNode))
			if info.PausedAt != "" {
				line += " (paused)"
			}
			fmt.Fprintf(w, "%s %s %dB\n", line, info.Timestamp.Format("2006-01-02T15:04:05Z07:00"), info.Size)
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
