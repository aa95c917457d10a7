package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompter 在终端上询问 y/N
// 标准输入不是终端时一律拒绝，无人值守需要由设备策略放行
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// Confirm 实现 Prompter
func (p TerminalPrompter) Confirm(prompt string) bool {
	if p.In == nil || !term.IsTerminal(int(p.In.Fd())) {
		return false
	}
	fmt.Fprintf(p.Out, "%s [y/N]: ", prompt)
	return readYes(bufio.NewReader(p.In))
}

// readYes 只有明确输入 y/yes 才算同意
func readYes(r *bufio.Reader) bool {
	answer, _ := r.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}
