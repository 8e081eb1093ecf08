package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/philsphicas/p2pcam/internal/nat"
	"github.com/philsphicas/p2pcam/internal/natpmp"
	"github.com/philsphicas/p2pcam/internal/upnp"
	"github.com/spf13/cobra"
)

// newMapper returns the port mapper for method, or nil for "none".
func newMapper(method string, logger *slog.Logger) (nat.Mapper, error) {
	switch method {
	case "", "none":
		return nil, nil
	case "upnp":
		return upnp.New(upnp.Config{Logger: logger}), nil
	case "natpmp":
		c, err := natpmp.New(natpmp.Config{Logger: logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown NAT method %q (want none, upnp or natpmp)", method)
	}
}

func natCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nat",
		Short: "Inspect and change port mappings on the home gateway",
	}
	cmd.PersistentFlags().String("method", "upnp", "mapping method (upnp, natpmp)")
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "time budget for the request")

	cmd.AddCommand(&cobra.Command{
		Use:   "gateways",
		Short: "List UPnP internet gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, logger := natContext(cmd)
			defer cancel()
			gws, err := upnp.New(upnp.Config{Logger: logger}).Gateways(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tSERVICE\tNAME")
			for _, gw := range gws {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", gw.Address, gw.Service, gw.FriendlyName)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "external-address",
		Short: "Print the gateway's public address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, logger := natContext(cmd)
			defer cancel()
			method, _ := cmd.Flags().GetString("method")
			switch method {
			case "upnp":
				addr, err := upnp.New(upnp.Config{Logger: logger}).ExternalAddress(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			case "natpmp":
				c, err := natpmp.New(natpmp.Config{Logger: logger})
				if err != nil {
					return err
				}
				resp, err := c.ExternalAddress(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Address)
			default:
				return fmt.Errorf("unknown NAT method %q (want upnp or natpmp)", method)
			}
			return nil
		},
	})

	mapCmd := &cobra.Command{
		Use:   "map <port>",
		Short: "Forward a port on the gateway to this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, port, err := mappingArgs(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel, logger := natContext(cmd)
			defer cancel()
			mapper, err := methodMapper(cmd, logger)
			if err != nil {
				return err
			}
			desc, _ := cmd.Flags().GetString("description")
			m, err := mapper.MapPort(ctx, proto, port, desc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d -> %s (lifetime %s, existing %t)\n",
				m.Method, m.Protocol, m.InternalPort, m.External(), m.Lifetime, m.AlreadyMapped)
			return nil
		},
	}
	mapCmd.Flags().String("protocol", "tcp", "tcp or udp")
	mapCmd.Flags().String("description", "p2pcam", "mapping description shown by the gateway")
	cmd.AddCommand(mapCmd)

	unmapCmd := &cobra.Command{
		Use:   "unmap <port>",
		Short: "Remove a port mapping from the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, port, err := mappingArgs(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel, logger := natContext(cmd)
			defer cancel()
			mapper, err := methodMapper(cmd, logger)
			if err != nil {
				return err
			}
			return mapper.RemoveMapping(ctx, proto, port)
		},
	}
	unmapCmd.Flags().String("protocol", "tcp", "tcp or udp")
	cmd.AddCommand(unmapCmd)

	return cmd
}

func natContext(cmd *cobra.Command) (context.Context, context.CancelFunc, *slog.Logger) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); stop() }, newLogger(logLevel)
}

func methodMapper(cmd *cobra.Command, logger *slog.Logger) (nat.Mapper, error) {
	method, _ := cmd.Flags().GetString("method")
	if method == "" || method == "none" {
		return nil, fmt.Errorf("unknown NAT method %q (want upnp or natpmp)", method)
	}
	return newMapper(method, logger)
}

func mappingArgs(cmd *cobra.Command, args []string) (nat.Protocol, int, error) {
	s, _ := cmd.Flags().GetString("protocol")
	proto, err := nat.ParseProtocol(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", args[0])
	}
	return proto, port, nil
}
