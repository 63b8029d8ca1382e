package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/harness"
	"github.com/trailofbits/crs-core/pkg/model"
)

// adminRuntime builds the runtime for a one-shot admin command and pings
// the backend so an unreachable store maps to exit code 3 up front.
func adminRuntime(ctx context.Context) (*runtime, error) {
	rt, err := newRuntime()
	if err != nil {
		return nil, badInput("%v", err)
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := rt.rdb.Ping(pingCtx).Err(); err != nil {
		rt.close()
		return nil, backendUnreachable(err)
	}
	return rt, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var sendQueueCmd = &cobra.Command{
	Use:   "send-queue <queue> <file>",
	Args:  cobra.ExactArgs(2),
	Short: "Push a framed record from a file onto a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, path := args[0], args[1]

		raw, err := os.ReadFile(path)
		if err != nil {
			return badInput("read %s: %v", path, err)
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			return badInput("not a framed record: %v", err)
		}

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		id, err := rt.q.Push(cmd.Context(), queueName, env)
		if err != nil {
			return backendUnreachable(err)
		}
		fmt.Println(id)
		return nil
	},
}

var readQueueGroup string

var readQueueCmd = &cobra.Command{
	Use:   "read-queue <queue>",
	Args:  cobra.ExactArgs(1),
	Short: "Peek one record (no group) or pop one under a consumer group",
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := args[0]

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		var msgs []struct {
			ID   string
			Kind string
			Body json.RawMessage
		}
		if readQueueGroup == "" {
			peeked, err := rt.q.Peek(cmd.Context(), queueName, 1)
			if err != nil {
				return backendUnreachable(err)
			}
			for _, m := range peeked {
				msgs = append(msgs, struct {
					ID   string
					Kind string
					Body json.RawMessage
				}{m.ID, m.Envelope.Kind, m.Envelope.Payload})
			}
		} else {
			reserved, err := rt.q.Reserve(cmd.Context(), queueName, readQueueGroup, rt.consumer, 1, 0)
			if err != nil {
				return backendUnreachable(err)
			}
			for _, m := range reserved {
				if err := rt.q.Ack(cmd.Context(), queueName, readQueueGroup, m.ID); err != nil {
					return backendUnreachable(err)
				}
				msgs = append(msgs, struct {
					ID   string
					Kind string
					Body json.RawMessage
				}{m.ID, m.Envelope.Kind, m.Envelope.Payload})
			}
		}
		return printJSON(msgs)
	},
}

var listQueuesCmd = &cobra.Command{
	Use:   "list-queues",
	Args:  cobra.NoArgs,
	Short: "List known queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		names, err := rt.q.List(cmd.Context())
		if err != nil {
			return backendUnreachable(err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var deleteQueueCmd = &cobra.Command{
	Use:   "delete-queue <queue>",
	Args:  cobra.ExactArgs(1),
	Short: "Delete a queue and its consumer groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.q.Delete(cmd.Context(), args[0]); err != nil {
			return backendUnreachable(err)
		}
		return nil
	},
}

var addHarnessCmd = &cobra.Command{
	Use:   "add-harness <file>",
	Args:  cobra.ExactArgs(1),
	Short: "Register a weighted harness from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return badInput("read %s: %v", args[0], err)
		}
		var w model.WeightedHarness
		if err := json.Unmarshal(raw, &w); err != nil {
			return badInput("parse harness: %v", err)
		}
		if w.TaskID == "" || w.Harness == "" {
			return badInput("task_id and harness are required")
		}
		if w.Weight < 0 {
			return badInput("weight must be >= 0")
		}

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ok, err := rt.reg.PutHarnessWeight(cmd.Context(), &w)
		if err != nil {
			return backendUnreachable(err)
		}
		if !ok {
			return keyConflict("harness %s already declared", w.Key())
		}
		return nil
	},
}

var addBuildCmd = &cobra.Command{
	Use:   "add-build <file>",
	Args:  cobra.ExactArgs(1),
	Short: "Register a build output from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return badInput("read %s: %v", args[0], err)
		}
		var b model.BuildOutput
		if err := json.Unmarshal(raw, &b); err != nil {
			return badInput("parse build: %v", err)
		}
		if b.TaskID == "" || b.BuildType == "" {
			return badInput("task_id and build_type are required")
		}

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ok, err := rt.reg.PutBuildPlaceholder(cmd.Context(), &b)
		if err != nil {
			return backendUnreachable(err)
		}
		if !ok {
			return keyConflict("build %s already registered", b.Key())
		}
		if err := rt.reg.PutBuildOutput(cmd.Context(), &b); err != nil {
			return backendUnreachable(err)
		}
		return nil
	},
}

var scaleHarnessCmd = &cobra.Command{
	Use:   "scale-harness <task_id> <package> <harness> <factor>",
	Args:  cobra.ExactArgs(4),
	Short: "Multiply a harness's fuzzing weight by a factor",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, pkg, harnessName := args[0], args[1], args[2]
		factor, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return badInput("factor must be a number: %v", err)
		}
		if factor < 0 {
			return badInput("factor must be >= 0")
		}

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		if err := harness.New(rt.reg).Scale(cmd.Context(), taskID, pkg, harnessName, factor); err != nil {
			return backendUnreachable(err)
		}
		return nil
	},
}

var readHarnessesCmd = &cobra.Command{
	Use:   "read-harnesses",
	Args:  cobra.NoArgs,
	Short: "List every declared harness weight",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		weights, err := rt.reg.ScanAllHarnessWeights(cmd.Context())
		if err != nil {
			return backendUnreachable(err)
		}
		return printJSON(weights)
	},
}

var readBuildsCmd = &cobra.Command{
	Use:   "read-builds <task_id> <build_type>",
	Args:  cobra.ExactArgs(2),
	Short: "List a task's build outputs of one type",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, buildType := args[0], strings.ToLower(args[1])

		rt, err := adminRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		builds, err := rt.reg.ScanBuildOutputs(cmd.Context(), taskID)
		if err != nil {
			return backendUnreachable(err)
		}
		out := builds[:0]
		for _, b := range builds {
			if string(b.BuildType) == buildType {
				out = append(out, b)
			}
		}
		return printJSON(out)
	},
}

func init() {
	readQueueCmd.Flags().StringVar(&readQueueGroup, "group", "", "consumer group (pop instead of peek)")

	rootCmd.AddCommand(
		sendQueueCmd, readQueueCmd, listQueuesCmd, deleteQueueCmd,
		addHarnessCmd, scaleHarnessCmd, addBuildCmd, readHarnessesCmd, readBuildsCmd,
	)
}
