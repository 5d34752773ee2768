package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

type runOptions struct {
	input      string
	target     string
	source     string
	metadata   map[string]string
	flowFile   string
	autoAccept bool
	jsonOut    bool
}

func runCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <flow-id>",
		Short: "Execute a flow locally and answer its checkpoints on the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Initial input")
	cmd.Flags().StringVar(&opts.target, "target-language", "", "Language generated content is written in")
	cmd.Flags().StringVar(&opts.source, "source-language", "", "Language of the learner")
	cmd.Flags().StringToStringVar(&opts.metadata, "meta", nil, "Metadata entries (key=value)")
	cmd.Flags().StringVarP(&opts.flowFile, "file", "f", "", "Register this flow file before running")
	cmd.Flags().BoolVarP(&opts.autoAccept, "yes", "y", false, "Confirm every checkpoint without asking")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print events as JSON lines")
	return cmd
}

func runFlow(cmd *cobra.Command, flowID string, opts *runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Output = "stderr"
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	rules := runtime.DefaultRules()
	flows, err := buildRegistry(cfg, rules, resolverFromConfig(cfg), logger)
	if err != nil {
		return err
	}
	if opts.flowFile != "" {
		content, err := os.ReadFile(opts.flowFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.flowFile, err)
		}
		if _, err := flows.RegisterYAML(string(content), opts.flowFile); err != nil {
			return err
		}
	}

	sessions := runtime.NewSessionRegistry(cfg.Sessions.TTL.Std(), runtime.WithRegistryLogger(logger))
	executor := runtime.NewExecutor(flows, rules, sessions, runtime.WithExecutorLogger(logger))

	var metadata map[string]any
	if len(opts.metadata) > 0 {
		metadata = make(map[string]any, len(opts.metadata))
		for k, v := range opts.metadata {
			metadata[k] = v
		}
	}

	ctx := cmd.Context()
	stream, err := executor.Start(ctx, runtime.StartRequest{
		FlowID:         flowID,
		Input:          opts.input,
		TargetLanguage: opts.target,
		SourceLanguage: opts.source,
		Metadata:       metadata,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := &eventPrinter{w: out, json: opts.jsonOut}
	reader := bufio.NewReader(cmd.InOrStdin())

	for {
		for ev := range stream.Events() {
			printer.print(ev)
		}
		<-stream.Done()
		state := stream.Final()

		switch {
		case state.Status == models.StatusCompleted:
			if !opts.jsonOut {
				fmt.Fprintf(out, "\nCompleted. Output:\n%s\n", models.Stringify(state.Context.PreviousOutput))
			}
			return nil
		case state.Status == models.StatusError:
			return fmt.Errorf("flow %s failed: %s", flowID, state.Error)
		case !state.Status.IsSuspended():
			return fmt.Errorf("flow %s stopped while %s", flowID, state.Status)
		}

		for {
			req := runtime.ControlRequest{Action: runtime.ActionConfirm}
			if state.Status == models.StatusPaused {
				req.Action = runtime.ActionResume
			}
			if !opts.autoAccept {
				prompt(out, state)
				line, err := reader.ReadString('\n')
				if err != nil && (err != io.EOF || line == "") {
					return fmt.Errorf("session %s left at %s", stream.SessionID, state.Status)
				}
				if req, err = parseReply(line, state); err != nil {
					fmt.Fprintln(out, err)
					continue
				}
			}

			result, err := executor.Control(ctx, stream.SessionID, req)
			if err != nil {
				fmt.Fprintln(out, err)
				if opts.autoAccept {
					return err
				}
				continue
			}
			stream = result.Stream
			break
		}
	}
}

// prompt describes the checkpoint and the accepted replies
func prompt(w io.Writer, state models.FlowState) {
	if state.Status == models.StatusPaused {
		fmt.Fprint(w, "\nPaused. [Enter] resume > ")
		return
	}
	names := make([]string, 0, len(state.Waiting.Operations))
	for _, op := range state.Waiting.Operations {
		names = append(names, op.Name)
	}
	fmt.Fprintf(w, "\nStep %s is waiting (%s).\n", state.Waiting.StepID, strings.Join(names, ", "))
	fmt.Fprint(w, "[Enter] confirm, e <text> extend, r reject, t retry, s skip, o <name> [text] operate > ")
}

// parseReply turns a terminal reply into a control request
func parseReply(line string, state models.FlowState) (runtime.ControlRequest, error) {
	line = strings.TrimSpace(line)
	if state.Status == models.StatusPaused {
		return runtime.ControlRequest{Action: runtime.ActionResume}, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(verb) {
	case "", "c", "confirm", "y", "yes":
		return runtime.ControlRequest{Action: runtime.ActionConfirm}, nil
	case "e", "extend":
		return runtime.ControlRequest{Action: runtime.ActionExtend, Text: rest}, nil
	case "r", "reject", "n", "no":
		return runtime.ControlRequest{Action: runtime.ActionReject}, nil
	case "t", "retry":
		return runtime.ControlRequest{Action: runtime.ActionRetry}, nil
	case "s", "skip":
		return runtime.ControlRequest{Action: runtime.ActionSkip}, nil
	case "o", "operate":
		name, text, _ := strings.Cut(rest, " ")
		if name == "" {
			return runtime.ControlRequest{}, fmt.Errorf("operate needs an operation name")
		}
		return runtime.ControlRequest{Action: runtime.ActionOperate, Operation: name, Text: strings.TrimSpace(text)}, nil
	}
	return runtime.ControlRequest{}, fmt.Errorf("unknown reply %q", verb)
}

type eventPrinter struct {
	w     io.Writer
	json  bool
	chunk bool
}

func (p *eventPrinter) print(ev models.Event) {
	if p.json {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}

	switch ev.Type {
	case models.EventStepStart:
		fmt.Fprintf(p.w, "> %s\n", ev.NodeID)
	case models.EventStreamChunk:
		p.chunk = true
		fmt.Fprint(p.w, models.Stringify(ev.Data))
	case models.EventStepComplete:
		if p.chunk {
			fmt.Fprintln(p.w)
			p.chunk = false
			return
		}
		fmt.Fprintln(p.w, models.Stringify(ev.Data))
	case models.EventStepError:
		if p.chunk {
			fmt.Fprintln(p.w)
			p.chunk = false
		}
		fmt.Fprintf(p.w, "! %s: %s\n", ev.NodeID, ev.Error)
	case models.EventStatusChange:
		if ev.Status == models.StatusRunning {
			return
		}
		fmt.Fprintf(p.w, "[%s]\n", ev.Status)
	}
}
