// Command tg-auth generates a Telegram session string for the scraper,
// either by importing an existing Telegram Desktop session or by
// authenticating with a phone number.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session/tdesktop"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("=== telegram auth tool ===")
	fmt.Println("generates a session string for the ingestion pipeline")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	tdataPath := telegramDesktopPath()
	accounts, tdataErr := tdesktop.Read(tdataPath, nil)

	useTData := false
	if tdataErr == nil && len(accounts) > 0 {
		fmt.Printf("found %d telegram desktop session(s) at %s\n", len(accounts), tdataPath)
		fmt.Print("use telegram desktop session? [Y/n]: ")
		choice, _ := reader.ReadString('\n')
		useTData = strings.TrimSpace(strings.ToLower(choice)) != "n"
	} else {
		fmt.Println("no telegram desktop session found, using phone auth")
	}

	apiID, apiHash := apiCredentials(reader)

	var (
		client *gotgproto.Client
		err    error
	)
	if useTData {
		client, err = authWithTData(apiID, apiHash, accounts[0])
	} else {
		client, err = authWithPhone(apiID, apiHash, reader)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	defer client.Stop()

	sessionString, err := client.ExportStringSession()
	if err != nil {
		fmt.Printf("error exporting session: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nauthentication successful")
	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	fmt.Println("\nadd this to your .env as TG_SESSION_STRING:")
	fmt.Println("---")
	fmt.Println(sessionString)
	fmt.Println("---")
	fmt.Println("\nkeep it secret: it grants full access to the account")
}

func telegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

func apiCredentials(reader *bufio.Reader) (int, string) {
	apiIDStr := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")

	if apiIDStr == "" {
		fmt.Print("enter api_id (from https://my.telegram.org): ")
		apiIDStr, _ = reader.ReadString('\n')
		apiIDStr = strings.TrimSpace(apiIDStr)
	}
	if apiHash == "" {
		fmt.Print("enter api_hash: ")
		apiHash, _ = reader.ReadString('\n')
		apiHash = strings.TrimSpace(apiHash)
	}

	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		fmt.Printf("error: invalid api_id: %v\n", err)
		os.Exit(1)
	}
	return apiID, apiHash
}

func authWithTData(apiID int, apiHash string, account tdesktop.Account) (*gotgproto.Client, error) {
	fmt.Println("\nauthenticating with telegram desktop session...")
	return gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(""),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.TdataSession(account).Name("tdata_session"),
			DisableCopyright: true,
		},
	)
}

func authWithPhone(apiID int, apiHash string, reader *bufio.Reader) (*gotgproto.Client, error) {
	fmt.Print("enter phone number (with country code): ")
	phone, _ := reader.ReadString('\n')
	phone = strings.TrimSpace(phone)

	fmt.Println("\nauthenticating... (check telegram for the code)")
	return gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sqlite.Open("tg_session.db")),
			DisableCopyright: true,
		},
	)
}
