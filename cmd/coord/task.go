package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/worker"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit, claim and complete work",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the queue",
	RunE:  runTaskSubmit,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next eligible task",
	RunE:  runTaskClaim,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Record the outcome of a claimed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and handle its dependents",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var (
	taskType      string
	taskDesc      string
	taskPriority  int
	taskDependsOn string
	taskInput     string
	taskExec      string
	taskDeadline  time.Duration

	claimTypes []string

	taskFailed    bool
	taskResult    string
	taskErrorCode string
	taskErrorMsg  string

	taskReason string
	taskStatus string
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskClaimCmd, taskCompleteCmd, taskCancelCmd, taskShowCmd, taskListCmd)

	taskSubmitCmd.Flags().StringVar(&taskType, "type", worker.TaskTypeExec, "task type")
	taskSubmitCmd.Flags().StringVar(&taskDesc, "desc", "", "task description")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", 0, "higher is claimed first")
	taskSubmitCmd.Flags().StringVar(&taskDependsOn, "depends-on", "", "comma-separated task ids that must complete first")
	taskSubmitCmd.Flags().StringVar(&taskInput, "input", "", "input data as JSON")
	taskSubmitCmd.Flags().StringVar(&taskExec, "exec", "", "shorthand for an exec task input, e.g. 'go test ./...'")
	taskSubmitCmd.Flags().DurationVar(&taskDeadline, "deadline", 0, "deadline relative to now")

	taskClaimCmd.Flags().StringSliceVar(&claimTypes, "types", nil, "only claim tasks of these types")

	taskCompleteCmd.Flags().BoolVar(&taskFailed, "failed", false, "record a failure instead of a success")
	taskCompleteCmd.Flags().StringVar(&taskResult, "result", "", "result as JSON")
	taskCompleteCmd.Flags().StringVar(&taskErrorCode, "error-code", "", "failure code")
	taskCompleteCmd.Flags().StringVar(&taskErrorMsg, "error", "", "failure message")

	taskCancelCmd.Flags().StringVar(&taskReason, "reason", "", "why the task is cancelled")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status (pending, claimed, completed, failed)")
}

// buildNewTask assembles a submission from the submit flags.
func buildNewTask() (models.NewTask, error) {
	nt := models.NewTask{
		TaskType:    taskType,
		Description: taskDesc,
		Priority:    taskPriority,
		DependsOn:   splitList(taskDependsOn),
	}
	switch {
	case taskInput != "" && taskExec != "":
		return nt, coorderr.E(coorderr.KindInvalid, "task submit", "--input and --exec are mutually exclusive")
	case taskExec != "":
		parts := strings.Fields(taskExec)
		if len(parts) == 0 {
			return nt, coorderr.E(coorderr.KindInvalid, "task submit", "empty --exec command")
		}
		raw, err := json.Marshal(worker.ExecInput{Command: parts[0], Args: parts[1:]})
		if err != nil {
			return nt, err
		}
		nt.TaskType = worker.TaskTypeExec
		nt.InputData = raw
		if nt.Description == "" {
			nt.Description = taskExec
		}
	case taskInput != "":
		if !json.Valid([]byte(taskInput)) {
			return nt, coorderr.E(coorderr.KindInvalid, "task submit", "--input is not valid JSON")
		}
		nt.InputData = json.RawMessage(taskInput)
	}
	if taskDeadline > 0 {
		d := time.Now().Add(taskDeadline).UTC()
		nt.Deadline = &d
	}
	return nt, nil
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	nt, err := buildNewTask()
	if err != nil {
		return err
	}
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	t, err := b.SubmitTask(cmd.Context(), nt)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted task: %s\n", t.ID)
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	t, err := b.ClaimTask(cmd.Context(), claimTypes...)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), t)
	}
	if t == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No eligible task")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Claimed task %s\n", t.ID)
	printTask(cmd.OutOrStdout(), t)
	return nil
}

func buildCompletion(id string) (models.Completion, error) {
	c := models.Completion{TaskID: id, Success: !taskFailed}
	if taskResult != "" {
		if !json.Valid([]byte(taskResult)) {
			return c, coorderr.E(coorderr.KindInvalid, "task complete", "--result is not valid JSON")
		}
		c.Result = json.RawMessage(taskResult)
	}
	if taskFailed {
		c.ErrorCode = taskErrorCode
		c.ErrorMessage = taskErrorMsg
	} else if taskErrorCode != "" || taskErrorMsg != "" {
		return c, coorderr.E(coorderr.KindInvalid, "task complete", "--error and --error-code need --failed")
	}
	return c, nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	c, err := buildCompletion(args[0])
	if err != nil {
		return err
	}
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	t, err := b.CompleteTask(cmd.Context(), c)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", t.ID, t.Status)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	res, err := b.CancelTask(cmd.Context(), args[0], taskReason)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
	if len(res.Cascaded) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Also cancelled: %s\n", strings.Join(res.Cascaded, ", "))
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Left blocked: %s\n", strings.Join(res.Blocked, ", "))
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	t, err := b.Task(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if t == nil {
		return coorderr.E(coorderr.KindNotFound, "task show", "task %s not found", args[0])
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTask(cmd.OutOrStdout(), t)
	return nil
}

func printTask(w io.Writer, t *models.Task) {
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Type:        %s\n", t.TaskType)
	fmt.Fprintf(w, "Description: %s\n", t.Description)
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	fmt.Fprintf(w, "Priority:    %d\n", t.Priority)
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "Depends On:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.ClaimedBy != "" {
		fmt.Fprintf(w, "Claimed By:  %s\n", t.ClaimedBy)
	}
	if len(t.InputData) > 0 {
		fmt.Fprintf(w, "Input:       %s\n", t.InputData)
	}
	if len(t.Result) > 0 {
		fmt.Fprintf(w, "Result:      %s\n", t.Result)
	}
	if t.ErrorCode != "" || t.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:       %s %s\n", t.ErrorCode, t.ErrorMessage)
	}
	fmt.Fprintf(w, "Created:     %s\n", formatTime(&t.CreatedAt))
	if t.Deadline != nil {
		fmt.Fprintf(w, "Deadline:    %s\n", formatTime(t.Deadline))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:   %s\n", formatTime(t.CompletedAt))
	}
}

func runTaskList(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	tasks, err := b.Tasks(cmd.Context(), models.TaskStatus(taskStatus))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
		return nil
	}

	w := newTable(cmd.OutOrStdout(), "ID", "TYPE", "PRI", "STATUS", "CLAIMED BY", "DESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(t.ID), t.TaskType, t.Priority, t.Status, t.ClaimedBy, truncate(t.Description, 40))
	}
	return w.Flush()
}
