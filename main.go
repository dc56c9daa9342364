package main

import "github.com/frahmantamala/listing-payment/cmd"

func main() {
	cmd.Execute()
}
