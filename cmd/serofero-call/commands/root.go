package commands

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BHUWON12/serofero-calls/call"
	"github.com/BHUWON12/serofero-calls/media"
	"github.com/BHUWON12/serofero-calls/signaling"
)

var (
	relayURL    string
	userID      string
	token       string
	displayName string
	metricsAddr string
	verbose     bool

	relay   *signaling.RelayClient
	machine *call.Machine
)

func Execute() error {
	root := &cobra.Command{
		Use:   "serofero-call",
		Short: "Encrypted voice call client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if userID == "" {
				return fmt.Errorf("user id required (--user)")
			}

			var err error
			relay, err = signaling.NewRelayClient(relayURL, userID, token)
			if err != nil {
				return err
			}

			var metrics *call.Metrics
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				metrics = call.NewMetrics("serofero", reg)
				go serveMetrics(metricsAddr, reg)
			}

			machine, err = call.NewMachine(call.Config{
				UserID:      userID,
				DisplayName: displayName,
				Transport:   relay,
				Capture: func() (media.Source, error) {
					return media.NewStaticSource(userID + "-audio")
				},
				Metrics: metrics,
				OnStateChange: func(state call.State) {
					fmt.Printf("state: %s\n", state)
				},
				OnEnded: func(callID, reason string) {
					fmt.Printf("call %s ended: %s\n", callID, reason)
				},
			})
			if err != nil {
				return err
			}

			go relay.Run()
			go printEvents(machine)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if relay != nil {
				relay.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://127.0.0.1:8000", "signaling relay base URL")
	root.PersistentFlags().StringVar(&userID, "user", "", "local user id on the relay")
	root.PersistentFlags().StringVar(&token, "token", "", "relay auth token")
	root.PersistentFlags().StringVar(&displayName, "name", "", "display name shown to callees")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Prometheus listen address (e.g. :9100)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(dialCmd(), listenCmd())
	return root.Execute()
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Metrics endpoint failed")
	}
}

func printEvents(m *call.Machine) {
	for evt := range m.Events() {
		fmt.Printf("security event: %s call=%s %v\n", evt.Kind, evt.CallID, evt.Details)
	}
}
