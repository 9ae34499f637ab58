package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/spf13/cobra"
)

const clientAPI = "/_matrix/client/v3"

type registerBody struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	DeviceID     string `json:"device_id,omitempty"`
	InhibitLogin bool   `json:"inhibit_login,omitempty"`
}

var registerOpts struct {
	password     string
	deviceID     string
	inhibitLogin bool
}

var registerCmd = &cobra.Command{
	Use:   "register [username]",
	Short: "Register a new account",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := terminalPrompter()
		return runAction(cmd, p, func(ctx context.Context, app *application) error {
			var username string
			if len(args) > 0 {
				username = args[0]
			} else {
				u, err := p.line(ctx, "Username: ")
				if err != nil {
					return err
				}
				username = u
			}
			if username == "" {
				return errors.New("username must not be empty")
			}

			password := registerOpts.password
			if password == "" {
				pw, err := p.newPassword(ctx)
				if err != nil {
					return err
				}
				password = pw
			}

			action, err := api.NewAction(http.MethodPost, clientAPI+"/register", registerBody{
				Username:     username,
				Password:     password,
				DeviceID:     registerOpts.deviceID,
				InhibitLogin: registerOpts.inhibitLogin,
			})
			if err != nil {
				return err
			}
			return app.run(ctx, action)
		})
	},
}

var passwordOpts struct {
	newPassword   string
	logoutDevices bool
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Change the account password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Homeserver.AccessToken == "" {
			return errors.New("changing the password needs an access token (--access-token or UIAA_ACCESS_TOKEN)")
		}
		if u, _ := cmd.Flags().GetString("user"); u != "" {
			cfg.Stages.Password.User = u
		}
		p := terminalPrompter()
		return runAction(cmd, p, func(ctx context.Context, app *application) error {
			newPassword := passwordOpts.newPassword
			if newPassword == "" {
				pw, err := p.newPassword(ctx)
				if err != nil {
					return err
				}
				newPassword = pw
			}

			action, err := api.NewAction(http.MethodPost, clientAPI+"/account/password", map[string]any{
				"new_password":   newPassword,
				"logout_devices": passwordOpts.logoutDevices,
			})
			if err != nil {
				return err
			}
			return app.run(ctx, action)
		})
	},
}

var deleteDeviceCmd = &cobra.Command{
	Use:   "delete-device <device-id>",
	Short: "Delete one of the account's devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Homeserver.AccessToken == "" {
			return errors.New("deleting a device needs an access token (--access-token or UIAA_ACCESS_TOKEN)")
		}
		if u, _ := cmd.Flags().GetString("user"); u != "" {
			cfg.Stages.Password.User = u
		}
		return runAction(cmd, terminalPrompter(), func(ctx context.Context, app *application) error {
			action, err := api.NewAction(http.MethodDelete, clientAPI+"/devices/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return app.run(ctx, action)
		})
	},
}

var requestData string

var requestCmd = &cobra.Command{
	Use:   "request <method> <path>",
	Short: "Send an arbitrary client-server API request, negotiating authentication",
	Long: `Send an arbitrary request to the homeserver. The path is taken relative to
the homeserver base URL, e.g. /_matrix/client/v3/delete_devices. The body
given with --data must be a JSON object; an "auth" member is replaced.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := parseRequest(args[0], args[1], requestData)
		if err != nil {
			return err
		}
		if u, _ := cmd.Flags().GetString("user"); u != "" {
			cfg.Stages.Password.User = u
		}
		return runAction(cmd, terminalPrompter(), func(ctx context.Context, app *application) error {
			return app.run(ctx, action)
		})
	},
}

func init() {
	f := registerCmd.Flags()
	f.StringVar(&registerOpts.password, "password", "", "password of the new account (prompted when empty)")
	f.StringVar(&registerOpts.deviceID, "device-id", "", "device id to log in with")
	f.BoolVar(&registerOpts.inhibitLogin, "inhibit-login", false, "register without logging in")

	f = passwordCmd.Flags()
	f.String("user", "", "user to authenticate as")
	f.StringVar(&passwordOpts.newPassword, "new-password", "", "new password (prompted when empty)")
	f.BoolVar(&passwordOpts.logoutDevices, "logout-devices", false, "log out all other devices")

	deleteDeviceCmd.Flags().String("user", "", "user to authenticate as")

	f = requestCmd.Flags()
	f.String("user", "", "user to authenticate as")
	f.StringVarP(&requestData, "data", "d", "", "JSON object request body")
}

// parseRequest builds an action from command-line arguments.
func parseRequest(method, path, data string) (*api.Action, error) {
	method = strings.ToUpper(method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must start with /", path)
	}

	action := &api.Action{Method: method, Path: path}
	if data != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(data), &obj); err != nil || obj == nil {
			return nil, errors.New("--data must be a JSON object")
		}
		action.Body = json.RawMessage(data)
	}
	return action, nil
}
