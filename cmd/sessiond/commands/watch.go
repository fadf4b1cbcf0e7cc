package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/monitor"
	"github.com/opencode-ai/sessioncore/internal/provider"
)

var (
	watchFile    string
	watchJSON    bool
	watchNoModel bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [flags] [-- script]",
	Short: "Run a command until it goes idle, answering its prompts",
	Long: `Run a shell script, or follow a log file with --file, until its output goes
quiet. When the output looks like a question, the configured small model
suggests an answer and you are asked to confirm it on the terminal.

The final output and an assessment of it are printed when the command is idle
or the time limit is reached.`,
	Example: `  sessiond watch -- npm init
  sessiond watch --file build.log`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFile, "file", "", "Follow this file instead of running a script")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print the result as JSON")
	watchCmd.Flags().BoolVar(&watchNoModel, "no-model", false, "Do not classify output with a model")
}

// watchExecution is what watch needs from a monitored process.
type watchExecution interface {
	monitor.Execution
	monitor.Typer
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.Component("watch")

	script := strings.TrimSpace(strings.Join(args, " "))
	if (script == "") == (watchFile == "") {
		return errors.New("give either a script or --file")
	}

	var (
		exec    watchExecution
		command string
	)
	if watchFile != "" {
		f, err := monitor.TailFile(watchFile, nil)
		if err != nil {
			return err
		}
		defer f.Close()
		exec, command = f, watchFile
	} else {
		dir, err := GetWorkDir(workDir)
		if err != nil {
			return err
		}
		sh, err := monitor.StartShell(ctx, script, monitor.InDir(dir))
		if err != nil {
			return err
		}
		exec, command = sh, script
	}

	opts := []monitor.Option{
		monitor.WithConfig(monitor.ConfigFrom(appConfig.Monitor)),
		monitor.WithCommand(command),
		monitor.WithElicitor(monitor.NewConsoleElicitor(os.Stdin, cmd.ErrOrStderr(), exec)),
	}
	if !watchNoModel {
		if classifier := watchClassifier(cmd); classifier != nil {
			opts = append(opts, monitor.WithClassifier(classifier))
		} else {
			log.Debug().Msg("no model configured, prompts will not be detected")
		}
	}

	res := monitor.New(exec, opts...).Run(ctx)
	if watchJSON {
		return writeJSON(cmd.OutOrStdout(), newWatchReport(res))
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

// watchClassifier returns the small model, or nil when none is configured.
func watchClassifier(cmd *cobra.Command) monitor.Classifier {
	providers, err := provider.InitializeProviders(cmd.Context(), appConfig)
	if err != nil {
		logging.Component("watch").Warn().Err(err).Msg("failed to initialize some providers")
	}
	if providers == nil {
		return nil
	}
	small, err := providers.Small()
	if err != nil {
		return nil
	}
	return provider.NewUtility(small)
}

type watchReport struct {
	State      string           `json:"state"`
	Output     string           `json:"output"`
	Assessment string           `json:"assessment,omitempty"`
	PollMs     int64            `json:"pollDurationMs"`
	Resources  []string         `json:"resources,omitempty"`
	Telemetry  monitor.Counters `json:"telemetry"`
}

func newWatchReport(res *monitor.Result) watchReport {
	return watchReport{
		State:      res.State.String(),
		Output:     res.Output,
		Assessment: res.ModelOutputEval,
		PollMs:     res.PollDuration.Milliseconds(),
		Resources:  res.Resources,
		Telemetry:  res.Telemetry,
	}
}

func printResult(w io.Writer, res *monitor.Result) {
	if res.Output != "" {
		fmt.Fprintln(w, strings.TrimRight(res.Output, "\n"))
		fmt.Fprintln(w)
	}
	state := headerColor
	if res.State != monitor.Idle {
		state = warnColor
	}
	state.Fprintf(w, "%s", res.State)
	dimColor.Fprintf(w, " after %s\n", res.PollDuration.Round(time.Millisecond))
	if res.ModelOutputEval != "" {
		fmt.Fprintln(w, res.ModelOutputEval)
	}
}
