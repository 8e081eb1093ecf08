package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/client"
	"github.com/philsphicas/p2pcam/internal/config"
	"github.com/philsphicas/p2pcam/internal/discovery"
	"github.com/philsphicas/p2pcam/internal/protocol"
	"github.com/spf13/cobra"
)

// passwordEnv holds the viewer password; it is never read from a flag.
const passwordEnv = config.EnvPrefix + "PASSWORD"

func viewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view [target]",
		Short: "Connect to a camera and write its media stream",
		Long: `Connect to a camera, log in and write the media stream to stdout or
--out. The target is host[:port] or a tcp://, tls://, ws:// or wss:// URL;
without one the first camera found on the local network is used. The
password is read from P2PCAM_PASSWORD.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runView,
	}

	cmd.Flags().StringP("user", "u", "", "user name")
	cmd.Flags().StringP("out", "o", "", "write media to this file instead of stdout")
	cmd.Flags().Bool("flashlight", false, "toggle the camera flashlight after login")
	cmd.Flags().Bool("insecure-skip-verify", false, "do not verify the camera's TLS certificate")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total time budget for dial retries (0 = single attempt)")
	cmd.Flags().Duration("browse-timeout", discovery.DefaultBrowseTimeout, "how long to look for cameras when no target is given")

	return cmd
}

func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List cameras advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cams, err := discovery.Browse(ctx, nil)
			if err != nil {
				return err
			}
			printCameras(cmd.OutOrStdout(), cams)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", discovery.DefaultBrowseTimeout, "browse duration")
	return cmd
}

func printCameras(w io.Writer, cams []discovery.Camera) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tTARGET\tVERSION")
	for _, c := range cams {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Instance, c.Target(), c.Version)
	}
	_ = tw.Flush()
}

// resolveTarget returns the positional target, P2PCAM_TARGET, the config
// file's target, or the first camera found by browsing.
func resolveTarget(ctx context.Context, args []string, file *config.File, browseTimeout time.Duration, logger *slog.Logger) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if t := os.Getenv(config.EnvName("target")); t != "" {
		return t, nil
	}
	if file.View.Target != "" {
		return file.View.Target, nil
	}
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()
	cams, err := discovery.Browse(browseCtx, nil)
	if err != nil {
		return "", err
	}
	if len(cams) == 0 {
		return "", errors.New("no camera found on the local network; pass a target")
	}
	logger.Info("camera found", "instance", cams[0].Instance, "target", cams[0].Target(), "others", len(cams)-1)
	return cams[0].Target(), nil
}

func runView(cmd *cobra.Command, args []string) error {
	file, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := resolveLogger(cmd, file)
	fs := cmd.Flags()

	user := config.String(fs, "user", file.View.User)
	if user == "" {
		return errors.New("user is required: use --user or set P2PCAM_USER")
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("password is required: set %s", passwordEnv)
	}
	outPath := config.String(fs, "out", file.View.Out)
	insecure, err := config.Bool(fs, "insecure-skip-verify", file.View.Insecure)
	if err != nil {
		return err
	}
	dialTimeout, err := config.Duration(fs, "dial-timeout", file.View.DialTimeout)
	if err != nil {
		return err
	}
	browseTimeout, _ := fs.GetDuration("browse-timeout")
	flashlight, _ := fs.GetBool("flashlight")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	target, err := resolveTarget(ctx, args, file, browseTimeout, logger)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close() //nolint:errcheck // best-effort cleanup
		out = f
	}

	conn, err := client.Dial(ctx, client.Config{
		Target:      target,
		TLS:         &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // opt-in via --insecure-skip-verify
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	if _, err := conn.Login(ctx, user, auth.DeriveShadow(user, password)); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := conn.SendCommand(protocol.CmdCaps, nil); err != nil {
		return err
	}
	if flashlight {
		if err := conn.SendCommand(protocol.CmdFlashlight, nil); err != nil {
			return err
		}
	}

	var writeErr error
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	err = conn.Run(runCtx, client.Handler{
		OnCommand: func(c protocol.Command, payload []byte) {
			logCommand(logger, c, payload)
		},
		OnMedia: func(m protocol.MediaPayload) {
			if _, err := out.Write(m.Data); err != nil && writeErr == nil {
				writeErr = fmt.Errorf("write media: %w", err)
				cancel()
			}
		},
	})
	return errors.Join(err, writeErr)
}

func logCommand(logger *slog.Logger, c protocol.Command, payload []byte) {
	switch c {
	case protocol.CmdFlashlight:
		logger.Info("flashlight", "mode", protocol.ParseFlashlight(payload))
	case protocol.CmdAvailability:
		var a protocol.Availability
		if err := a.UnmarshalBinary(payload); err != nil {
			logger.Warn("bad availability payload", "error", err)
			return
		}
		logger.Info("availability", "device", a.DeviceID, "available", a.Available)
	case protocol.CmdFormat:
		records, err := protocol.DecodeFormat(payload)
		if err != nil {
			logger.Warn("bad format payload", "error", err)
			return
		}
		logger.Info("format", "records", len(records))
	default:
		logger.Info("command", "command", c, "bytes", len(payload))
	}
}
