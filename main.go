package main

import "github.com/NickPittas/littlellm-sub005/cmd"

func main() {
	cmd.Execute()
}
