package main

import "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/cmd"

func main() {
	cmd.Execute()
}
