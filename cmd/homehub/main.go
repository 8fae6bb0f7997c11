package main

import "github.com/ashsolei/HomeySmartHome-sub011/internal/cli"

func main() {
	cli.Execute()
}
