package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/config"
	"github.com/nextlevelbuilder/walink/internal/sessionstore"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and gateway health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("walink doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s NONE (anyone who can reach the port can send messages)\n", "Token:")
	} else {
		fmt.Printf("    %-12s set\n", "Token:")
	}
	checkGateway()

	fmt.Println()
	fmt.Println("  Session store:")
	fmt.Printf("    %-12s %s\n", "Dialect:", cfg.WhatsApp.DBDialect)
	checkSessionStore(cfg)

	fmt.Println()
	fmt.Println("  Pairing policy:")
	fmt.Printf("    %-12s %ds\n", "Code TTL:", cfg.WhatsApp.PairingCodeTTLSec)
	fmt.Printf("    %-12s %dms\n", "Wait:", cfg.WhatsApp.PairingWaitMs)
	fmt.Printf("    %-12s %d\n", "Auto limit:", cfg.WhatsApp.MaxAutoAttempts)
	fmt.Printf("    %-12s %s\n", "Device:", cfg.WhatsApp.DeviceName)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkGateway() {
	c, err := newAPIClient()
	if err != nil {
		fmt.Printf("    %-12s %v\n", "Reachable:", err)
		return
	}
	if !isGatewayReachable(c) {
		fmt.Printf("    %-12s no (start it with `walink serve`)\n", "Reachable:")
		return
	}
	fmt.Printf("    %-12s yes\n", "Reachable:")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.retries = 0
	var st protocol.StatusResponse
	if _, err := c.do(ctx, "GET", "/api/status", nil, nil, &st); err != nil {
		fmt.Printf("    %-12s %s\n", "WhatsApp:", formatAPIError(err))
		return
	}
	fmt.Printf("    %-12s %s\n", "WhatsApp:", st.Status)
}

func checkSessionStore(cfg *config.Config) {
	if cfg.WhatsApp.DBDialect == config.DialectPostgres {
		db, err := sessionstore.OpenDB(cfg.WhatsApp.DBDialect, cfg.WhatsApp.DBDSN, "")
		if err != nil {
			fmt.Printf("    %-12s %v\n", "Postgres:", err)
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			fmt.Printf("    %-12s unreachable (%v)\n", "Postgres:", err)
			return
		}
		fmt.Printf("    %-12s OK\n", "Postgres:")
		return
	}

	dir := config.ExpandHome(cfg.WhatsApp.DataDir)
	path := filepath.Join(dir, sessionstore.SessionFile)
	fmt.Printf("    %-12s %s", "File:", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}
}
