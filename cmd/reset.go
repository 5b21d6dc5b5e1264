package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/scheduler"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
	truncateDB   bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Redis state and/or database",
	Long: `Reset command clears the Redis keys owned by intelcore (the signatures
stream and the decay lease) and/or the SQLite database.

By default, both Redis and database are reset. You can selectively reset
only Redis or only the database using the --redis-only or --db-only flags.

WARNING: This operation is irreversible and will permanently delete all data.

Examples:
  # Reset both Redis and database (requires confirmation)
  intelcore reset

  # Reset with automatic confirmation
  intelcore reset --yes

  # Reset only Redis data
  intelcore reset --redis-only

  # Reset only database
  intelcore reset --db-only

  # Empty every table but keep the database file (e.g. while schedule runs)
  intelcore reset --db-only --truncate`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only Redis data")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only database")
	resetCmd.Flags().BoolVar(&truncateDB, "truncate", false, "Delete all rows instead of removing the database files")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Determine what to reset
	resetBoth := !resetRedis && !resetDB
	if resetBoth {
		resetRedis = true
		resetDB = true
	}

	// Show what will be reset
	var targets []string
	if resetRedis {
		targets = append(targets, "Redis state")
	}
	if resetDB {
		targets = append(targets, "SQLite database")
	}

	fmt.Printf("This will permanently delete: %s\n", strings.Join(targets, " and "))

	// Confirm operation unless --yes flag is used
	if !confirmReset {
		fmt.Print("Are you sure you want to continue? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Reset operation cancelled.")
			return nil
		}
	}

	// Reset Redis if requested
	if resetRedis {
		if err := resetRedisData(ctx); err != nil {
			fmt.Printf("Warning: Failed to reset Redis data: %v\n", err)

			// If user requested both Redis and DB, offer to continue with just DB
			resetBoth := !cmd.Flags().Changed("redis-only") && !cmd.Flags().Changed("db-only")
			if resetBoth && resetDB && !confirmReset {
				fmt.Print("Would you like to continue with database reset only? (y/N): ")
				var response string
				fmt.Scanln(&response)
				if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
					return fmt.Errorf("reset operation cancelled due to Redis connection failure")
				}
			} else if !resetDB {
				// If only Redis was requested and it failed, exit with error
				return fmt.Errorf("failed to reset Redis data: %w", err)
			}
			// If --yes flag was used or only DB reset continues, we continue silently
		} else {
			fmt.Println("✓ Redis state cleared successfully")
		}
	}

	// Reset database if requested
	if resetDB {
		if err := resetDatabase(ctx); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("✓ Database cleared successfully")
	}

	fmt.Println("Reset operation completed successfully!")
	return nil
}

func resetRedisData(ctx context.Context) error {
	redisURL := viper.GetString("redis.url")
	if redisURL == "" {
		fmt.Println("Redis not configured, nothing to clear")
		return nil
	}

	client, err := bus.NewRedisClient(redisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	keys := []string{bus.SignaturesStream, scheduler.DecayLeaseKey}
	n, err := client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to delete Redis keys: %w", err)
	}
	if n == 0 {
		fmt.Println("No Redis data found to clear")
		return nil
	}
	fmt.Printf("Cleared %d Redis keys (%s)\n", n, strings.Join(keys, ", "))
	return nil
}

func resetDatabase(ctx context.Context) error {
	// Get database path from configuration
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		dbPath = "./data/intelcore.db"
	}

	if truncateDB {
		st, err := store.NewStore(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Truncate(ctx); err != nil {
			return err
		}
		fmt.Printf("Deleted all rows from %s\n", dbPath)
		return nil
	}

	// Remove SQLite database files
	dbFiles := []string{
		dbPath,
		dbPath + "-shm", // Shared memory file
		dbPath + "-wal", // Write-ahead log file
	}

	var removedFiles []string
	for _, file := range dbFiles {
		if _, err := os.Stat(file); err == nil {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("failed to remove database file %s: %w", file, err)
			}
			removedFiles = append(removedFiles, filepath.Base(file))
		}
	}

	if len(removedFiles) == 0 {
		fmt.Println("No database files found to remove")
		return nil
	}

	fmt.Printf("Removed database files: %s\n", strings.Join(removedFiles, ", "))
	return nil
}
