package cmd

import (
	"io/fs"
	"path/filepath"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneFlags struct {
	dir     string
	days    int
	pattern string
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove saved logs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		return c.Invoke(func(cfg *config.Config) error {
			dir := pruneFlags.dir
			if dir == "" {
				dir = cfg.Capture.Output
			}

			age := cfg.Retention()
			if cmd.Flags().Changed("days") {
				age = time.Duration(pruneFlags.days) * 24 * time.Hour
			}

			removed, err := pruneTree(log, dir, pruneFlags.pattern, age, time.Now())
			if err != nil {
				return err
			}

			log.Info("Removed ", len(removed), " files")
			return nil
		})
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneFlags.dir, "dir", "", "log directory (default from profile)")
	pruneCmd.Flags().IntVar(&pruneFlags.days, "days", 14, "remove files older than this many days")
	pruneCmd.Flags().StringVar(&pruneFlags.pattern, "pattern", "*", "only remove files matching this glob")
}

// pruneTree prunes dir and every directory below it; sessions are saved one
// directory per test class.
func pruneTree(log *zap.SugaredLogger, dir string, pattern string, age time.Duration, now time.Time) ([]string, error) {
	var removed []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		files, err := archive.Prune(log, path, pattern, age, now)
		if err != nil {
			return err
		}

		removed = append(removed, files...)
		return nil
	})

	return removed, err
}
