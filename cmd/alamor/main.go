package main

import (
	// Register notifier plugins via side-effects
	_ "alamor/internal/notify/logsink"
	_ "alamor/internal/notify/telegram"
)

func main() {
	Execute()
}
