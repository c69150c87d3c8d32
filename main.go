package main

import "example.com/backstage/services/assetledger/cmd"

func main() {
	cmd.Execute()
}
