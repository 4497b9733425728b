package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BHUWON12/serofero-calls/signaling"
)

// listen: wait for incoming calls and answer them automatically.
func listenCmd() *cobra.Command {
	var autoAccept bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			machine.SetOnIncomingCall(func(callID string, info *signaling.CallerInfo) {
				from := "unknown"
				if info != nil {
					from = info.UserID
					if info.DisplayName != "" {
						from = fmt.Sprintf("%s (%s)", info.DisplayName, info.UserID)
					}
				}
				fmt.Printf("incoming call %s from %s\n", callID, from)

				if autoAccept {
					if err := machine.Accept(); err != nil {
						fmt.Printf("accept: %v\n", err)
					}
				}
			})

			fmt.Printf("listening as %s\n", userID)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			machine.Hangup()
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoAccept, "accept", true, "answer incoming calls automatically")
	return cmd
}
