// Package main 是客户端代理的入口点
package main

import "remote-assist/internal/agent/command"

func main() {
	command.Execute()
}
