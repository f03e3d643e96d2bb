package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

func init() {
	RootCmd.AddCommand(replCmd)
	RootCmd.AddCommand(execCmd)
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "interactive operator console",
	Long: `With --port, bridges your terminal to a running nodelinkd's serial
console. Without it, starts a local simulation node on the UDP-multicast
transport and drives its console directly.`,
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if rootPortFlag == "" {
			runLocalSim(os.Stdin, os.Stdout)
			return
		}
		port, err := openSerial(rootPortFlag)
		if err != nil {
			log.Fatal(err)
		}
		defer port.Close()
		bridgeConsole(port, os.Stdin, os.Stdout)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <console line...>",
	Short: "run one console command and print the response",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		line := strings.Join(args, " ")
		if rootPortFlag == "" {
			runLocalSim(strings.NewReader(line+"\n"), os.Stdout)
			return
		}
		port, err := openSerial(rootPortFlag)
		if err != nil {
			log.Fatal(err)
		}
		defer port.Close()
		bridgeConsole(port, strings.NewReader(line+"\n"), os.Stdout)
	},
}

func openSerial(device string) (serial.Port, error) {
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return port, nil
}

// bridgeConsole copies operator lines from in to the remote console and the
// console's output back to out.
func bridgeConsole(port serial.Port, in io.Reader, out io.Writer) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(out, port); err != nil {
			log.Debugf("serial read: %v", err)
		}
	}()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if _, err := port.Write(append(scanner.Bytes(), '\n')); err != nil {
			log.Errorf("serial write: %v", err)
			break
		}
	}
	_ = port.Close()
	<-done
}
