// Command uiaa runs homeserver actions that require User-Interactive
// Authentication, negotiating every stage the homeserver asks for.
//
// Configuration is read from a YAML file (--config, UIAA_CONFIG, ./uiaa.yaml
// or /etc/uiaa/config.yaml) and UIAA_* environment variables. Secrets that
// are not configured are prompted for on the terminal.
//
// Examples:
//
//	uiaa --homeserver https://matrix.example.org register alice
//	uiaa password --user alice
//	uiaa delete-device ABCDEFGH
//	uiaa request POST /_matrix/client/v3/delete_devices --data '{"devices":["A"]}'
package main

func main() {
	Execute()
}
