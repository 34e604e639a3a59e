package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/app"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
)

func main() {
	cfg, err := app.LoadPeerConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "udp or relay")
	flag.IntVar(&cfg.Players, "players", cfg.Players, "number of players")
	flag.IntVar(&cfg.Handle, "handle", cfg.Handle, "local player handle (udp only)")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "local udp address")
	flag.Func("peer", "remote player as handle=host:port (repeatable)", func(v string) error {
		cfg.Peers = append(cfg.Peers, v)
		return nil
	})
	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay websocket url")
	flag.StringVar(&cfg.Room, "room", cfg.Room, "relay room id")
	flag.IntVar(&cfg.InputDelay, "delay", cfg.InputDelay, "input delay in frames")
	flag.StringVar(&cfg.ReplayPath, "replay", cfg.ReplayPath, "sqlite file to record the match into")
	flag.StringVar(&cfg.Telemetry.Profile, "profile", cfg.Telemetry.Profile, "cpu, mem, allocs, block, mutex or trace")
	bot := flag.Bool("bot", false, "play with scripted controls instead of stdin")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := newTerminalHost(os.Stdout, *bot)
	if !*bot {
		go host.readKeys(os.Stdin)
	}

	err = app.RunPeer(ctx, cfg, host, app.PeerOptions{})
	var desync *session.DesyncError
	switch {
	case err == nil:
	case errors.As(err, &desync):
		fmt.Println("DESYNCED!")
		log.Printf("%v", err)
		os.Exit(1)
	case errors.Is(err, session.ErrPeerDisconnected), errors.Is(err, session.ErrSyncTimeout):
		fmt.Println("DISCONNECTED!")
		log.Printf("%v", err)
		os.Exit(1)
	default:
		log.Fatalf("%v", err)
	}
}

// terminalHost reads line-buffered keys (w a s d, space or b for a bomb)
// and redraws the board a few times a second.
type terminalHost struct {
	out io.Writer
	bot bool

	mu      sync.Mutex
	pending input.Controls
	ticks   int
}

func newTerminalHost(out io.Writer, bot bool) *terminalHost {
	return &terminalHost{out: out, bot: bot}
}

func (h *terminalHost) readKeys(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.mu.Lock()
		for _, c := range scanner.Text() {
			switch c {
			case 'w', 'k':
				h.pending.Up = true
			case 's', 'j':
				h.pending.Down = true
			case 'a', 'h':
				h.pending.Left = true
			case 'd', 'l':
				h.pending.Right = true
			case ' ', 'b':
				h.pending.Action = true
			}
		}
		h.mu.Unlock()
	}
}

func (h *terminalHost) Controls() input.Controls {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
	if h.bot {
		phase := (h.ticks / 8) % 6
		return input.Controls{
			Up:     phase == 0,
			Right:  phase == 1,
			Down:   phase == 2,
			Left:   phase == 3,
			Action: phase == 4,
		}
	}
	c := h.pending
	h.pending = input.Controls{}
	return c
}

func (h *terminalHost) Present(v app.View) {
	if v.Result.Frame%6 != 0 && v.Err == nil && !v.Over {
		return
	}
	fmt.Fprint(h.out, "\x1b[H\x1b[2J")
	fmt.Fprint(h.out, v.Board)
	fmt.Fprintf(h.out, "player %d  frame %d  %s\n", v.Handle, v.Result.Frame, v.Result.State)
	for _, ev := range v.Result.Events {
		fmt.Fprintf(h.out, "  %s (peer %d) %s\n", ev.Kind, ev.Peer, ev.Detail)
	}
	if v.Over {
		if v.Winner >= 0 {
			fmt.Fprintf(h.out, "player %d wins\n", v.Winner)
		} else {
			fmt.Fprintln(h.out, "draw")
		}
	}
}
