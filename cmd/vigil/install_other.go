//go:build !darwin && !linux

package main

import "fmt"

type unsupported struct{}

func platformManager() serviceManager { return unsupported{} }

func (unsupported) install(string, string) (string, error) {
	return "", fmt.Errorf("service installation is only available on macOS and Linux")
}

func (unsupported) uninstall() error {
	return fmt.Errorf("service installation is only available on macOS and Linux")
}
