// Command sign answers login challenges with an Ed25519 private key. The
// printed signature is the Authorization header value, or the paste-in for
// the login page.
package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Key       string `short:"k" long:"key" default:"privkey.pem" description:"PKCS#8 PEM file holding the Ed25519 private key"`
	Challenge string `long:"challenge" description:"Sign this base64 challenge and exit instead of prompting"`
	Server    string `long:"server" description:"Fetch the current challenge from this base URL (e.g. http://localhost:12600) and sign it"`
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	outputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func loadPrivateKey(filename string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return parsePrivateKey(data)
}

func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	return edKey, nil
}

func sign(privKey ed25519.PrivateKey, challengeB64 string) (string, error) {
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(privKey, challenge)), nil
}

// fetchChallenge reads the challenge the server currently accepts.
func fetchChallenge(client *http.Client, baseURL string) (string, error) {
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/auth/challenge")
	if err != nil {
		return "", fmt.Errorf("fetch challenge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch challenge: %s", resp.Status)
	}
	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	return body.Challenge, nil
}

// prompt signs one challenge per input line until EOF or "quit".
func prompt(privKey ed25519.PrivateKey, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Enter challenges one by one. Type 'quit' to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, promptStyle.Render("Enter challenge (base64): "))
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit":
			return nil
		}

		sig, err := sign(privKey, line)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("Error: "+err.Error()))
			continue
		}
		fmt.Fprintln(out, outputStyle.Render("Signature: "+sig))
	}
	return scanner.Err()
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	privKey, err := loadPrivateKey(opts.Key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading private key:", err)
		os.Exit(1)
	}

	challenge := strings.TrimSpace(opts.Challenge)
	if opts.Server != "" {
		challenge, err = fetchChallenge(&http.Client{Timeout: 10 * time.Second}, opts.Server)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	}

	if challenge == "" {
		if err := prompt(privKey, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "Error reading input:", err)
			os.Exit(1)
		}
		return
	}

	sig, err := sign(privKey, challenge)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(sig)
}
