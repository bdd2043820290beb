package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/client"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/structures"
)

var (
	configPath  = flag.String("config", "", "path to config file")
	action      = flag.String("action", "", "one of actions: signon/signin/register-options/register-complete/login-options/devices/delete/backup-tokens/backup-login")
	deviceID    = flag.String("id", "", "device id for delete action")
	displayName = flag.String("display-name", "", "display name for register-options action")
	deviceName  = flag.String("name", "", "device name for register-complete action")
	response    = flag.String("response", "", "path to authenticator response JSON for register-complete action")
	backupToken = flag.String("token", "", "backup token for backup-login action")

	logger = logrus.WithField("logging-entity", "main")
)

func init() {
	flag.Parse()
}

func main() {
	cfg, err := config.ParseClientConfig(*configPath)
	if err != nil {
		logger.Fatalf("parse config: %s", err)
	}

	cli, err := client.NewClient(cfg)
	if err != nil {
		logger.Fatalf("create client: %s", err)
	}

	if *action == "signon" {
		if err := cli.SignOn(); err != nil {
			logger.Fatalf("sign on failed: %s", err)
		}
		logger.Info("successfully signed on.")
		return
	}

	mfaRequired, err := cli.SignIn()
	if err != nil {
		logger.Fatalf("sign in failed: %s", err)
	}

	switch *action {
	case "signin":
		logger.Infof("successfully signed in, second factor required: %t", mfaRequired)

	case "register-options":
		opts, err := cli.RegistrationOptions(*displayName)
		if err != nil {
			logger.Fatalf("get registration options: %s", err)
		}
		fmt.Printf("rp:        %s (%s)\n", opts.RP.ID, opts.RP.Name)
		fmt.Printf("user id:   %s\n", hex.EncodeToString(opts.UserID))
		fmt.Printf("challenge: %s\n", hex.EncodeToString(opts.Challenge))
		fmt.Printf("timeout:   %s\n", opts.Timeout)
		for _, id := range opts.ExcludeCredentials {
			fmt.Printf("exclude:   %s\n", hex.EncodeToString(id))
		}

	case "register-complete":
		data, err := os.ReadFile(*response)
		if err != nil {
			logger.Fatalf("read response: %s", err)
		}
		var cred structures.RegistrationResponse
		if err := json.Unmarshal(data, &cred); err != nil {
			logger.Fatalf("parse response: %s", err)
		}
		device, err := cli.FinishRegistration(*deviceName, cred)
		if err != nil {
			logger.Fatalf("complete registration: %s", err)
		}
		logger.Infof("device '%s' registered as '%s'.", device.ID, device.Name)

	case "login-options":
		opts, err := cli.LoginOptions()
		if err != nil {
			logger.Fatalf("get login options: %s", err)
		}
		fmt.Printf("rp id:     %s\n", opts.RPID)
		fmt.Printf("challenge: %s\n", hex.EncodeToString(opts.Challenge))
		fmt.Printf("timeout:   %s\n", opts.Timeout)
		for _, id := range opts.AllowCredentials {
			fmt.Printf("allow:     %s\n", hex.EncodeToString(id))
		}

	case "devices":
		devices, err := cli.ListDevices()
		if err != nil {
			logger.Fatalf("list devices: %s", err)
		}
		for _, d := range devices {
			fmt.Printf("%s\t%s\t%s\tcounter=%d\n", d.ID, d.Name, d.KeyHandle, d.SignCount)
		}

	case "delete":
		if err := cli.DeleteDevice(*deviceID); err != nil {
			logger.Fatalf("delete device: %s", err)
		}
		logger.Infof("device '%s' deleted.", *deviceID)

	case "backup-tokens":
		tokens, err := cli.GenerateBackupTokens()
		if err != nil {
			logger.Fatalf("generate backup tokens: %s", err)
		}
		for _, token := range tokens {
			fmt.Println(token)
		}

	case "backup-login":
		if err := cli.RedeemBackupToken(*backupToken); err != nil {
			logger.Fatalf("backup login: %s", err)
		}
		logger.Info("second factor passed with a backup token.")

	default:
		logger.Fatalf("bad action: '%s'", *action)
	}
}
