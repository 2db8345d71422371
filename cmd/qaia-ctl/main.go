package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"qaia/internal/ipc"
)

const usage = `usage: qaia-ctl [flags] <command>

commands:
  trigger            chime, listen and handle the utterance
  say <text>         handle a typed utterance
  start              start capturing
  stop               stop the active capture
  transcribe <file>  transcribe an audio file (wav/mp3/ogg)
  mictest            record a short clip and report signal quality
  shutdown           stop the daemon
`

func main() {
	socket := cli.StringP("socket", "s", "/tmp/qaia.sock", "Daemon control socket")
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var msg ipc.ControlMessage
	switch args[0] {
	case "trigger":
		msg.Cmd = ipc.CmdTrigger
	case "say":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "say needs text")
			os.Exit(2)
		}
		msg.Cmd = ipc.CmdSendText
		msg.Text = strings.Join(args[1:], " ")
	case "start":
		msg.Cmd = ipc.CmdStartCapture
	case "stop":
		msg.Cmd = ipc.CmdStopCapture
	case "transcribe":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "transcribe needs a file path")
			os.Exit(2)
		}
		msg.Cmd = ipc.CmdTranscribe
		msg.Path = args[1]
	case "mictest":
		msg.Cmd = ipc.CmdMicTest
	case "shutdown":
		msg.Cmd = ipc.CmdShutdown
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	resp, err := ipc.Send(*socket, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qaia daemon not running:", err)
		os.Exit(1)
	}

	if !resp.OK {
		fmt.Fprintln(os.Stderr, "error:", resp.Error)
		os.Exit(1)
	}
	if resp.Reply != "" {
		fmt.Println(resp.Reply)
	}
}
