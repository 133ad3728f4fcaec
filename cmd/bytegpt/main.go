package main

import bytegpt "github.com/bytegpt/bytegpt"

func main() {
	bytegpt.Execute()
}
