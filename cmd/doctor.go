package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tiller/internal/config"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tiller doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
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

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Bind:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s NOT SET (set TILLER_GATEWAY_TOKEN)\n", "Token:")
	} else {
		fmt.Printf("    %-12s set\n", "Token:")
	}
	if cfg.Gateway.RateLimitRPM > 0 {
		fmt.Printf("    %-12s %d rpm per client\n", "Rate limit:", cfg.Gateway.RateLimitRPM)
	} else {
		fmt.Printf("    %-12s disabled\n", "Rate limit:")
	}
	checkRunningGateway(cfg)

	// Turn journal
	fmt.Println()
	fmt.Println("  Turn journal:")
	if cfg.IsPostgres() {
		fmt.Printf("    %-12s postgres\n", "Driver:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		path := cfg.SQLitePath()
		fmt.Printf("    %-12s sqlite\n", "Driver:")
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (not created yet)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	// Session metadata storage
	fmt.Println()
	storage := cfg.SessionsStoragePath()
	fmt.Printf("  Sessions:  %s", storage)
	if _, err := os.Stat(storage); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}

	// Telemetry
	fmt.Println()
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry: %s via %s\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Println("  Telemetry: disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRunningGateway(cfg *config.Config) {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/health", host, cfg.Gateway.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("    %-12s not running\n", "Status:")
		return
	}
	defer resp.Body.Close()
	fmt.Printf("    %-12s running (HTTP %d)\n", "Status:", resp.StatusCode)
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	var turns, subs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns").Scan(&turns); err == nil {
		fmt.Printf("    %-12s %d recorded\n", "Turns:", turns)
	} else {
		fmt.Printf("    %-12s no turns table (run: tiller migrate up)\n", "Schema:")
		return
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM submissions").Scan(&subs); err == nil {
		fmt.Printf("    %-12s %d recorded\n", "Submissions:", subs)
	}
}
