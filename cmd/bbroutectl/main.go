// bbroutectl is the command line interface for bbrouted. It polls the
// daemon's /status endpoint for live route-table state and talks
// directly to the WireGuard/netlink surface for a few read-only or
// manual-trigger operations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucas/bbrouted/internal/config"
	nlink "github.com/lucas/bbrouted/internal/netlink"
	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/protocol"
	"github.com/lucas/bbrouted/internal/wgctl"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bbroutectl",
		Short: "bbroutectl - inspect and operate a bbrouted backbone node",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/bbrouted/bbrouted.yaml", "Path to configuration file")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(refreshCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bbroutectl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's identity and live route table summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Node: %s (%s)\n", cfg.Node.ID, cfg.Node.Hostname)
			fmt.Printf("Backbone interface: %s\n", cfg.Tunnels.BackboneInterface)
			fmt.Printf("Client interfaces: %v\n", cfg.Tunnels.ClientInterfaces)
			fmt.Printf("Freshness direction: %s\n\n", cfg.Routing.FreshnessDirection)

			st := getDaemonStatus(cfg)
			if st == nil {
				fmt.Println("daemon status: unreachable")
				return nil
			}

			fmt.Printf("Uptime: %.0fs\n", st.UptimeSecs)
			fmt.Printf("Queue depth: %d\n", st.QueueDepth)
			fmt.Printf("Backbone peers seen: %d\n", st.PeerCount)
			fmt.Printf("Routes known: %d\n", len(st.Routes))
			return nil
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the route table entries known to the daemon and the routes installed in the kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Known routes (daemon route table):")
			st := getDaemonStatus(cfg)
			if st == nil {
				fmt.Println("  (daemon unreachable)")
			} else if len(st.Routes) == 0 {
				fmt.Println("  (none)")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "  IP\tHOST\tAGE")
				for _, r := range st.Routes {
					fmt.Fprintf(w, "  %s\t%s\t%d\n", r.IP, r.Host, r.Age)
				}
				w.Flush()
			}

			fmt.Println("\nInstalled kernel routes:")
			routeMgr := nlink.NewRouteManager(cfg.Routing.InstallTimeout())
			installed, err := routeMgr.List()
			if err != nil {
				fmt.Printf("  (error listing routes: %v)\n", err)
				return nil
			}
			if len(installed) == 0 {
				fmt.Println("  (none)")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  DESTINATION\tGATEWAY\tDEVICE")
			for _, r := range installed {
				dest := "-"
				if r.Destination != nil {
					dest = r.Destination.String()
				}
				gw := "-"
				if r.Gateway != nil {
					gw = r.Gateway.String()
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", dest, gw, r.Device)
			}
			w.Flush()
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List backbone peers visible on this node's tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			prober := wgctl.NewProber(cfg.Routing.InstallTimeout())
			peers, err := prober.ListBackbonePeers(context.Background(), cfg.Tunnels.BackboneInterface)
			if err != nil {
				return fmt.Errorf("listing backbone peers: %w", err)
			}

			if len(peers) == 0 {
				fmt.Println("(no backbone peers found)")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PUBLIC KEY\tENDPOINT\tALLOWED IPS\tLAST HANDSHAKE")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s:%s\t%s\t%d\n", p.PublicKey, p.EndpointIP, p.EndpointPort, p.AllowedIPsRaw, p.LastHandshake)
			}
			w.Flush()
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Manually send a refresh frame to every backbone peer",
		Long:  "Triggers the same refresh the daemon sends automatically at startup, without restarting it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			prober := wgctl.NewProber(cfg.Routing.InstallTimeout())
			peers, err := prober.ListBackbonePeers(context.Background(), cfg.Tunnels.BackboneInterface)
			if err != nil {
				return fmt.Errorf("listing backbone peers: %w", err)
			}

			client := protocol.NewClient(cfg.Protocol.Listen.Port, cfg.Protocol.DialTimeout(), nil)
			client.RefreshAll(peers)
			fmt.Printf("sent refresh to %d backbone peer(s)\n", len(peers))
			return nil
		},
	}
}

// getDaemonStatus fetches status from the bbrouted daemon's /status
// endpoint. It only targets the local status listener.
func getDaemonStatus(cfg *config.Config) *observability.NodeStatus {
	port := cfg.Observability.Status.Port
	if port == 0 {
		port = 9110
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/status", port)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var status observability.NodeStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil
	}
	return &status
}
