// Wsecho is a small command-line WebSocket echo tool, exercising both
// the dialer and listener halves of [github.com/tzrikka/wsconn/pkg/websocket].
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/wsconn/internal/logger"
	"github.com/tzrikka/wsconn/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "wsecho"
	configFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()
	path := configFile()

	cmd := &cli.Command{
		Name:    "wsecho",
		Usage:   "dial or listen for WebSocket connections and echo messages",
		Version: bi.Main.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "human-readable console logging, instead of JSON",
			},
		},
		Commands: []*cli.Command{
			listenCommand(path),
			dialCommand(path),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func listenCommand(path altsrc.StringSourcer) *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "start a WebSocket server and echo every received message back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "TCP address to listen on",
				Value: ":8080",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("WSECHO_LISTEN_ADDR"),
					toml.TOML("listen.addr", path),
				),
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "HTTP path to accept WebSocket handshakes on (empty accepts any path)",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("WSECHO_LISTEN_PATH"),
					toml.TOML("listen.path", path),
				),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev"))
			return runListen(ctx, cmd.String("addr"), cmd.String("path"))
		},
	}
}

func dialCommand(path altsrc.StringSourcer) *cli.Command {
	return &cli.Command{
		Name:  "dial",
		Usage: "connect to a WebSocket server, relaying stdin lines and printing replies",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "WebSocket URL to dial (ws:// or wss://)",
				Required: true,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("WSECHO_DIAL_URL"),
					toml.TOML("dial.url", path),
				),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev"))
			return runDial(ctx, cmd.String("url"))
		},
	}
}

func runListen(ctx context.Context, addr, path string) error {
	l, err := websocket.NewListener(ctx, "ws://"+addr+"/"+strings.TrimPrefix(path, "/"))
	if err != nil {
		return err
	}
	go func() {
		if err := l.ListenAndServe(); err != nil {
			logger.FromContext(ctx).Error("listener stopped", slog.Any("error", err))
		}
	}()

	slog.Info("WebSocket echo server listening", slog.String("addr", addr))
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		go echoLoop(conn)
	}
}

// echoLoop sends every incoming message straight back to its sender,
// until the peer closes the connection.
func echoLoop(conn *websocket.Conn) {
	for msg := range conn.IncomingMessages() {
		if msg.Opcode != websocket.OpcodeBinary {
			continue
		}
		if err := <-conn.SendBinaryMessage(msg.Data); err != nil {
			slog.Error("failed to echo message", slog.Any("error", err), slog.String("conn_id", conn.ID()))
			conn.Close(websocket.StatusInternalError)
			return
		}
	}
}

func runDial(ctx context.Context, url string) error {
	conn, err := websocket.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure)

	go func() {
		for msg := range conn.IncomingMessages() {
			fmt.Printf("< %s\n", msg.Data)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := <-conn.SendBinaryMessage(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// configFile returns the path to wsecho's configuration file, creating
// an empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the default logger, based on whether
// human-readable ("dev") or JSON output was requested.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
