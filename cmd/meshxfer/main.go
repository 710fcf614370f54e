// Package main provides the CLI entry point for meshxfer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arnvale/meshxfer/internal/config"
	"github.com/arnvale/meshxfer/internal/discover"
	"github.com/arnvale/meshxfer/internal/filetransfer"
	"github.com/arnvale/meshxfer/internal/logging"
	"github.com/arnvale/meshxfer/internal/meshstub"
	"github.com/arnvale/meshxfer/internal/metrics"
	"github.com/arnvale/meshxfer/internal/monitor"
	"github.com/arnvale/meshxfer/internal/progressui"
	"github.com/arnvale/meshxfer/internal/token"
	"github.com/arnvale/meshxfer/internal/xfer"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "meshxfer",
		Short:   "Secure peer-to-peer file transfer over a mesh overlay",
		Version: Version,
		Long: `meshxfer sends files and directories between two peers on a
private mesh overlay network over a single authenticated, encrypted TCP
connection. Transfers are chunked, compressed, hashed, and resumable
across crashes via a per-destination lock file.`,
	}

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(receiveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func sendCmd() *cobra.Command {
	var (
		configPath string
		port       int
		maxRate    string
		noCompress bool
		novenv     bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "send <host> <token> <path> [paths...]",
		Short: "Send one or more files or directories to a waiting receiver",
		Long: `Send dials host on the receiver's listening port, authenticates with
the shared token printed by "meshxfer receive", and streams every file
under the given paths in one pass.

Examples:
  meshxfer send 100.64.0.5 ocean-forest ./report.pdf
  meshxfer send --max-rate 5MB 100.64.0.5 ocean-forest ./dataset/`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			tok := args[1]
			paths := args[2:]

			if !token.Valid(tok) {
				return fmt.Errorf("invalid token %q: expected two hyphen-joined words", tok)
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Transport.Port = port
			}
			if maxRate != "" {
				bytesPerSec, err := filetransfer.ParseSize(maxRate)
				if err != nil {
					return fmt.Errorf("invalid --max-rate: %w", err)
				}
				cfg.RateLimit.MaxBytesPerSecond = bytesPerSec
			}
			if noCompress {
				cfg.Transfer.Compress = false
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			files, err := discover.Collect(paths, novenv || cfg.Transfer.ExcludeVenv, logger)
			if err != nil {
				return fmt.Errorf("collect files: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files found under %s", strings.Join(paths, ", "))
			}
			filetransfer.WarnIfFileCountExceedsRlimit(len(files), logger)

			var totalSize int64
			for _, f := range files {
				totalSize += f.Size
			}

			addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Transport.Port))
			if !quiet {
				fmt.Printf("Connecting to %s...\n", addr)
			}

			conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			if !quiet {
				fmt.Printf("Sending %d file(s), %s total\n", len(files), filetransfer.FormatSize(totalSize))
			}

			reg := metrics.New("sender")
			stopProgress := startProgressLoop(totalSize, reg, quiet)
			defer stopProgress()

			err = xfer.Send(conn, files, xfer.SendOptions{
				Token:             tok,
				Config:            cfg.Transfer,
				MaxBytesPerSecond: cfg.RateLimit.MaxBytesPerSecond,
				Logger:            logger,
				Metrics:           reg,
			})
			stopProgress()

			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			if !quiet {
				fmt.Println("Transfer completed.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().IntVar(&port, "port", 15820, "Receiver TCP port")
	cmd.Flags().StringVar(&maxRate, "max-rate", "", "Maximum send rate (e.g. 500KB, 5MB, 10MiB)")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "Disable LZ4 block compression")
	cmd.Flags().BoolVar(&novenv, "novenv", false, "Skip virtualenv/cache/VCS directories when recursing")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	return cmd
}

func receiveCmd() *cobra.Command {
	var (
		configPath string
		port       int
		outputDir  string
		pod        bool
		resume     bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Listen for one incoming transfer and write it to a local directory",
		Long: `Receive generates a fresh session token, listens on the configured
port, and accepts exactly one connection. Share the printed token with the
sender out-of-band (chat, voice); it never leaves the mesh.

Examples:
  meshxfer receive --output ./incoming
  meshxfer receive --pod --resume --output ./incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Transport.Port = port
			}
			if cmd.Flags().Changed("pod") {
				cfg.Transport.Pod = pod
			}
			cfg.Resume.Enabled = resume

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			absOut, err := filepath.Abs(outputDir)
			if err != nil {
				return fmt.Errorf("resolve output directory: %w", err)
			}

			if !cfg.Resume.Enabled {
				lockPath := filepath.Join(absOut, filetransfer.LockFileName)
				if _, statErr := os.Stat(lockPath); statErr == nil {
					if !promptUser(fmt.Sprintf("A prior incomplete transfer lock exists at %s but --resume was not given. Discard it and start fresh?", lockPath)) {
						return fmt.Errorf("refusing to overwrite existing lock file without --resume")
					}
					if err := os.Remove(lockPath); err != nil {
						return fmt.Errorf("remove stale lock file: %w", err)
					}
				}
			}

			bindAddr := "0.0.0.0"
			if cfg.Transport.Pod {
				bindAddr = "127.0.0.1"
			}
			listenAddr := net.JoinHostPort(bindAddr, fmt.Sprintf("%d", cfg.Transport.Port))

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listenAddr, err)
			}
			defer ln.Close()

			tok, err := token.Generate()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			fmt.Printf("Listening on %s\n", listenAddr)
			fmt.Printf("Share this token with the sender: %s\n", tok)
			fmt.Printf("Waiting for a connection...\n")

			sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			type acceptResult struct {
				conn net.Conn
				err  error
			}
			acceptCh := make(chan acceptResult, 1)
			go func() {
				conn, err := ln.Accept()
				acceptCh <- acceptResult{conn, err}
			}()

			var conn net.Conn
			select {
			case <-sigCtx.Done():
				return fmt.Errorf("interrupted while waiting for a connection")
			case res := <-acceptCh:
				if res.err != nil {
					return fmt.Errorf("accept: %w", res.err)
				}
				conn = res.conn
			}
			defer conn.Close()

			senderAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

			detector := meshstub.New()
			peer := detector.VerifyPeer(context.Background(), senderAddr)
			if err := rejectNonPeer(peer, senderAddr, logger); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Connection from %s, receiving...\n", senderAddr)
			}

			reg := metrics.New("receiver")
			stopProgress := startProgressLoop(0, reg, quiet)
			defer stopProgress()

			err = xfer.Receive(conn, xfer.ReceiveOptions{
				Token:     tok,
				OutputDir: absOut,
				SenderIP:  senderAddr,
				Config:    cfg,
				Logger:    logger,
				Metrics:   reg,
			})
			stopProgress()

			if err != nil {
				return fmt.Errorf("receive failed: %w", err)
			}
			if !quiet {
				fmt.Printf("Transfer completed, files written to %s\n", absOut)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().IntVar(&port, "port", 15820, "TCP port to listen on")
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory to write received files into")
	cmd.Flags().BoolVar(&pod, "pod", false, "Bind to 127.0.0.1 instead of 0.0.0.0 (behind a sidecar/pod-local proxy)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Adopt an existing lock file and resume partially-transferred files")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	return cmd
}

// startProgressLoop polls reg on a ticker and renders a progress line via
// a Monitor fed by the counter value, rather than modifying the stream
// path itself to push updates. It returns a stop function, safe to call
// more than once; the first call clears the progress line and prints the
// metrics summary.
func startProgressLoop(totalSize int64, reg *metrics.Registry, quiet bool) func() {
	if quiet {
		return func() {}
	}

	mon := monitor.New(totalSize, false, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				transferred := int64(reg.BytesTransferredValue())
				mon.Update(transferred, transferred, "", 0)
				fmt.Print(progressui.ClearLine(80) + progressui.Line(mon.Snapshot()))
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		fmt.Print(progressui.ClearLine(80))
		if summary, err := reg.Summary(); err == nil {
			fmt.Print(summary)
		}
	}
}

// rejectNonPeer gates admission before any handshake byte crosses the
// wire: the sender's public key read, the receiver's own key write, and
// the challenge-response must never happen against a connection that
// meshstub couldn't verify as belonging to the mesh.
func rejectNonPeer(peer meshstub.PeerInfo, senderAddr string, logger *slog.Logger) error {
	if peer.IsPeer {
		return nil
	}
	logger.Warn("rejecting connection from non-mesh peer", logging.KeyRemoteAddr, senderAddr)
	return fmt.Errorf("connection from %s rejected: not a verified mesh peer", senderAddr)
}

// promptUser is the blocking interactive yes/no prompt used for
// destructive decisions the caller can't make silently (e.g. discarding a
// stale lock file). It defaults to "no" on anything but an explicit y/yes.
func promptUser(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
