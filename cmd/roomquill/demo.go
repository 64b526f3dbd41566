package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"roomquill/internal/config"
	"roomquill/luvtext/awareness"
	"roomquill/luvtext/editor"
	"roomquill/luvtext/room"
)

type demoPeer struct {
	name   string
	client *room.MemoryClient
	editor *editor.Editor
}

func newDemoCmd(cfg *config.Config) *cobra.Command {
	var edits int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Simulate three editors sharing an in-memory room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.OutOrStdout(), cfg, edits)
		},
	}
	cmd.Flags().IntVar(&edits, "edits", 5, "extra edits alice makes before bob leaves")
	return cmd
}

func runDemo(out io.Writer, cfg *config.Config, edits int) error {
	r := room.NewMemoryRoom()

	join := func(uid, nick string, color []int, writable bool) (*demoPeer, error) {
		client := r.Join(room.Member{
			Payload:     room.Payload{UID: uid, NickName: nick},
			MemberState: room.MemberState{StrokeColor: color},
		}, writable)
		e, err := editor.New(client,
			editor.WithOptimizeAt(cfg.Sync.OptimizeAt),
			editor.WithFlagTimeout(config.Duration(cfg.Sync.FlagTimeout)),
		)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &demoPeer{name: uid, client: client, editor: e}, nil
	}

	alice, err := join("alice", "Alice", []int{220, 20, 60}, true)
	if err != nil {
		return err
	}
	defer alice.editor.Destroy()
	bob, err := join("bob", "", nil, true)
	if err != nil {
		return err
	}
	carol, err := join("carol", "Carol", []int{30, 144, 255}, false)
	if err != nil {
		return err
	}
	defer carol.editor.Destroy()

	peers := []*demoPeer{alice, bob, carol}
	drain := func() {
		for _, p := range peers {
			p.client.Loop().Drain()
		}
	}

	steps := []struct {
		title string
		run   func() error
	}{
		{"alice types", func() error { return alice.editor.Insert(0, "Hello") }},
		{"bob appends", func() error { return bob.editor.Insert(5, ", world") }},
		{"alice selects 'Hello'", func() error {
			return alice.editor.SetSelection(&awareness.Range{Index: 0, Length: 5}, awareness.SourceUser)
		}},
		{"bob selects 'world'", func() error {
			return bob.editor.SetSelection(&awareness.Range{Index: 7, Length: 5}, awareness.SourceUser)
		}},
		{"carol tries to type", func() error {
			if err := carol.editor.Insert(0, "?"); err != nil {
				fmt.Fprintf(out, "  carol: %v\n", err)
			}
			return nil
		}},
		{"alice prefixes the line", func() error { return alice.editor.Insert(0, ">> ") }},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.title, err)
		}
		drain()
		fmt.Fprintf(out, "== %s\n", step.title)
		printPeers(out, peers)
	}

	for i := 0; i < edits; i++ {
		if err := alice.editor.Insert(alice.editor.Doc().GetText(editor.TextNamespace).Len(), "."); err != nil {
			return err
		}
	}
	drain()
	fmt.Fprintf(out, "== alice adds %d edits (log size %d)\n", edits, alice.editor.Vector().Size())

	bob.editor.Destroy()
	bob.client.Close()
	r.Leave(bob.name)
	peers = []*demoPeer{alice, carol}
	drain()

	fmt.Fprintln(out, "== bob leaves")
	printPeers(out, peers)
	return nil
}

func printPeers(out io.Writer, peers []*demoPeer) {
	for _, p := range peers {
		fmt.Fprintf(out, "  %-6s %q\n", p.name, p.editor.Text())
		for _, c := range p.editor.Overlay().Cursors() {
			fmt.Fprintf(out, "         %s\n", formatCursor(c))
		}
	}
}

func formatCursor(c awareness.Cursor) string {
	if c.Range == nil {
		return fmt.Sprintf("[%s %s] hidden", c.Name, c.Color)
	}
	flag := ""
	if c.FlagVisible {
		flag = " *"
	}
	return fmt.Sprintf("[%s %s] %d+%d%s", c.Name, c.Color, c.Range.Index, c.Range.Length, flag)
}
