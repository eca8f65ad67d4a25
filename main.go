package main

import "github.com/yassin1255/GraduaatsProef-DiscordBot/cmd"

func main() {
	cmd.Execute()
}
