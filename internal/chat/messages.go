package chat

import (
	"fmt"
	"strings"
)

const lineEnding = "\r\n"

const helpText = `Commands:
  /reg <user> <pass>     register and log in
  /login <user> <pass>   log in
  /to <user> <msg>       send a private message
  /create <group>        create a group and join it
  /join <group>          join an existing group
  /group <group> <msg>   send a message to a group
  /history               show recent messages
  /users                 list online users
  /logout                log out and stay connected
  /help                  show this help
  /quit                  disconnect
Anything else is broadcast to everyone once you are logged in.`

const welcomeText = "Welcome to garden-chat!\n" + helpText

const (
	serverPrefix  = "[Server] "
	errorPrefix   = "[Error] "
	usagePrefix   = "[Usage] "
	historyPrefix = "[History] "
)

// frame 将多行文本转换为以 \r\n 结尾的线路格式。
func frame(text string) []byte {
	lines := strings.Split(text, "\n")
	var sb strings.Builder
	sb.Grow(len(text) + len(lines)*len(lineEnding))
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString(lineEnding)
	}
	return []byte(sb.String())
}

func serverLine(format string, args ...any) string {
	return serverPrefix + fmt.Sprintf(format, args...)
}

func errorLine(format string, args ...any) string {
	return errorPrefix + fmt.Sprintf(format, args...)
}

func usageLine(usage string) string {
	return usagePrefix + usage
}

func broadcastLine(sender, text string) string {
	return fmt.Sprintf("[%s]: %s", sender, text)
}

func privateInLine(sender, text string) string {
	return fmt.Sprintf("[PM from %s]: %s", sender, text)
}

func privateOutLine(recipient, text string) string {
	return fmt.Sprintf("[PM to %s]: %s", recipient, text)
}

func groupLine(group, sender, text string) string {
	return fmt.Sprintf("[%s] %s: %s", group, sender, text)
}

func groupEchoLine(group, text string) string {
	return fmt.Sprintf("[%s] (you): %s", group, text)
}

const loginPrompt = serverPrefix + "Please /reg <user> <pass> or /login <user> <pass> first."
