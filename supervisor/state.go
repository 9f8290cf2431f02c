package supervisor

import (
	"fmt"

	"go.uber.org/zap"
)

// State is the lifecycle state of a supervised worker process.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	// Crashed means the process could not be launched or was killed by something other than Terminate.
	Crashed
	// Exited means the process ended on its own or after Terminate. Result.ExitCode is set.
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("supervisor")
}
