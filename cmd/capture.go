package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrWatchNotFound = errors.New("watched text not found")

const progressInterval = 250 * time.Millisecond

var captureFlags struct {
	test           string
	class          string
	path           string
	grep           string
	incremental    bool
	duration       time.Duration
	keyword        string
	pattern        string
	keywordTimeout time.Duration
	noSave         bool
	noCompress     bool
	healthAddr     string
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the device log for one test",
	Long: "Streams the device log until the duration elapses, the watched text " +
		"is seen or the command is interrupted, then saves the session.",
	RunE: runCapture,
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureFlags.test, "test", "t", "", "test name, used in the log file name")
	f.StringVar(&captureFlags.class, "class", "", "test class, used as the log directory")
	f.StringVar(&captureFlags.path, "path", "", "directory to save the log in")
	f.StringVar(&captureFlags.grep, "grep", "", "only capture lines matching this filter")
	f.BoolVar(&captureFlags.incremental, "incremental", false, "save the log to disk while capturing")
	f.DurationVar(&captureFlags.duration, "duration", 0, "stop after this long (0 waits for an interrupt)")
	f.StringVar(&captureFlags.keyword, "keyword", "", "stop once this text is logged")
	f.StringVar(&captureFlags.pattern, "pattern", "", "stop once this regular expression matches")
	f.DurationVar(&captureFlags.keywordTimeout, "keyword-timeout", capture.DefaultKeywordTimeout, "how long to wait for --keyword or --pattern")
	f.BoolVar(&captureFlags.noSave, "no-save", false, "discard the log")
	f.BoolVar(&captureFlags.noCompress, "no-compress", false, "keep the raw log instead of an archive")
	f.StringVar(&captureFlags.healthAddr, "health-addr", "", "serve gRPC health on this address")

	captureCmd.MarkFlagRequired("test")
	captureCmd.MarkFlagsMutuallyExclusive("keyword", "pattern")
}

func runCapture(cmd *cobra.Command, args []string) error {
	c, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Invoke(func(e *capture.Engine) error {
		defer e.Close()

		if captureFlags.healthAddr != "" {
			lis, err := net.Listen("tcp", captureFlags.healthAddr)
			if err != nil {
				return fmt.Errorf("health listener: %w", err)
			}

			srv := server.New(log, e)
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("Health server failed: ", err)
				}
			}()
			defer srv.Stop()
		}

		ok, err := e.Start(captureFlags.test, startOptions()...)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("capture did not start")
		}

		verdict := waitCapture(ctx, log, e)

		if err := e.Stop(stopOptions()...); err != nil {
			return err
		}

		if artifact, ok := e.LastArtifact(); ok {
			fmt.Println(artifact.Path)
		}

		return verdict
	})
}

func startOptions() []capture.StartOption {
	var opts []capture.StartOption
	if captureFlags.class != "" {
		opts = append(opts, capture.WithTestClass(captureFlags.class))
	}
	if captureFlags.path != "" {
		opts = append(opts, capture.WithPath(captureFlags.path))
	}
	if captureFlags.grep != "" {
		opts = append(opts, capture.WithGrep(captureFlags.grep))
	}
	if captureFlags.incremental {
		opts = append(opts, capture.WithIncrementalSave())
	}
	return opts
}

func stopOptions() []capture.StopOption {
	var opts []capture.StopOption
	if captureFlags.noSave {
		opts = append(opts, capture.WithoutSave())
	}
	if captureFlags.noCompress {
		opts = append(opts, capture.WithoutCompression())
	}
	return opts
}

type watchResult struct {
	found bool
	err   error
}

// waitCapture shows a byte spinner until the capture should end. It returns
// the verdict of the keyword or pattern watch, nil when there is none.
func waitCapture(ctx context.Context, log *zap.SugaredLogger, e *capture.Engine) error {
	watch := capture.Watch{Keyword: captureFlags.keyword, Pattern: captureFlags.pattern}
	watching := watch.Keyword != "" || watch.Pattern != ""

	results := make(chan watchResult, 1)
	if watching {
		go func() {
			found, err := e.CheckKeyword(watch, captureFlags.keywordTimeout)
			results <- watchResult{found: found, err: err}
		}()
	}

	var deadline <-chan time.Time
	if captureFlags.duration > 0 {
		timer := time.NewTimer(captureFlags.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	bar := newSpinner("capturing "+captureFlags.test, true)
	defer bar.Finish()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Interrupted")
			return nil

		case <-deadline:
			log.Info("Capture duration elapsed")
			return nil

		case res := <-results:
			if res.err != nil {
				return res.err
			}
			if !res.found {
				return fmt.Errorf("%w: %s", ErrWatchNotFound, watch)
			}
			log.Info("Found ", watch)
			return nil

		case <-ticker.C:
			stats := e.Stats()
			bar.Set64(stats.Bytes)
			if stats.Reboots > 0 {
				bar.Describe(fmt.Sprintf("capturing %s (%d reboots)", captureFlags.test, stats.Reboots))
			}
		}
	}
}
