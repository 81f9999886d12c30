package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/astromechza/automerge-relay/pkg/logging"
	"github.com/astromechza/automerge-relay/pkg/logstore"
	"github.com/astromechza/automerge-relay/pkg/persistence"
	"github.com/astromechza/automerge-relay/pkg/viz"
)

const usage = `usage: inspect -dsn DSN COMMAND [ARGS]

commands:
  rooms                      list rooms with stored history
  show ROOM                  print heads, changes and content
  graph ROOM [PATH...]       render the change graph, labelled with the value at PATH
  compact ROOM               fold the update log into one entry
  meta ROOM                  print metadata
  set-meta ROOM KEY VALUE    set a metadata value
  del-meta ROOM KEY          delete a metadata value
  destroy ROOM               delete every record of a room
`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	dsnVar := flag.String("dsn", "", "the update log store")
	formatVar := flag.String("format", "dot", "graph output format: dot, svg, png or jpg")
	outVar := flag.String("out", "", "graph output file, stdout when empty")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	logging.InitDefault(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	if *dsnVar == "" || flag.NArg() < 1 {
		flag.Usage()
		return errors.New("a dsn and a command are required")
	}

	ctx := context.Background()
	store, err := logstore.Open(ctx, *dsnVar)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	p := persistence.New(store, persistence.Options{})
	defer p.Close()

	args := flag.Args()
	room := func() (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("%s needs a room", args[0])
		}
		return args[1], nil
	}

	switch args[0] {
	case "rooms":
		rooms, err := p.ListRooms(ctx)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Println(r)
		}
		return nil

	case "show":
		name, err := room()
		if err != nil {
			return err
		}
		return show(ctx, p, name)

	case "graph":
		name, err := room()
		if err != nil {
			return err
		}
		path := make([]any, 0, len(args)-2)
		for _, a := range args[2:] {
			path = append(path, a)
		}
		return graph(ctx, p, name, *formatVar, *outVar, path)

	case "compact":
		name, err := room()
		if err != nil {
			return err
		}
		clock, err := p.Compact(ctx, name)
		if err != nil {
			return err
		}
		if clock < 0 {
			return fmt.Errorf("room %q has no history", name)
		}
		slog.Info("compacted", "room", name, "clock", clock)
		return nil

	case "meta":
		name, err := room()
		if err != nil {
			return err
		}
		meta, err := p.ListMeta(ctx, name)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s\t%s\n", k, meta[k])
		}
		return nil

	case "set-meta":
		if len(args) != 4 {
			return errors.New("set-meta needs a room, a key and a value")
		}
		return p.SetMeta(ctx, args[1], args[2], []byte(args[3]))

	case "del-meta":
		if len(args) != 3 {
			return errors.New("del-meta needs a room and a key")
		}
		return p.DelMeta(ctx, args[1], args[2])

	case "destroy":
		name, err := room()
		if err != nil {
			return err
		}
		if err := p.DestroyRoom(ctx, name); err != nil {
			return err
		}
		slog.Info("destroyed", "room", name)
		return nil
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", args[0])
}

func show(ctx context.Context, p *persistence.Persistence, room string) error {
	doc, err := p.GetDocument(ctx, room)
	if err != nil {
		return err
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	content, err := doc.Content()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func graph(ctx context.Context, p *persistence.Persistence, room, format, out string, path []any) error {
	doc, err := p.GetDocument(ctx, room)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	if strings.ToLower(format) == "dot" {
		return viz.WriteDot(w, doc, path...)
	}
	if err := viz.Render(w, doc, format, path...); err != nil {
		return err
	}
	if out != "" {
		slog.Info("rendered", "room", room, "path", "file://"+out)
	}
	return nil
}
