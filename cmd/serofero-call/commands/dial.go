package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BHUWON12/serofero-calls/call"
)

// dial <peer>: place an encrypted call and stay on the line until the
// call ends or the process is interrupted.
func dialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <peer>",
		Short: "Place a call to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callID, err := machine.Initiate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("dialing %s (call %s)\n", args[0], callID)

			waitForHangup()
			return nil
		},
	}
}

// waitForHangup blocks until the call leaves the machine or the user
// interrupts, then hangs up cleanly.
func waitForHangup() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-sigCh:
			if err := machine.Hangup(); err != nil && err != call.ErrNoActiveCall {
				fmt.Printf("hangup: %v\n", err)
			}
			return
		case <-poll.C:
			if machine.State() == call.StateIdle {
				return
			}
		}
	}
}
