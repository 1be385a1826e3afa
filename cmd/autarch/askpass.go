package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/term"
)

// Environment passed to the askpass wrapper script by the git manager.
const (
	askpassURLEnv   = "AUTARCH_ASKPASS_URL"
	askpassTokenEnv = "AUTARCH_ASKPASS_TOKEN"
)

// AskpassCmd is invoked by git via GIT_ASKPASS when a network
// operation needs credentials. It forwards the prompt to the running
// server, which raises an interrupt and blocks until a client answers.
// Without a server address it falls back to the terminal.
type AskpassCmd struct {
	Prompt []string `arg:"" optional:"" help:"Prompt text passed by git."`
}

func (c *AskpassCmd) Run() error {
	prompt := strings.TrimSpace(strings.Join(c.Prompt, " "))
	if prompt == "" {
		prompt = "Git credential required:"
	}

	if url := os.Getenv(askpassURLEnv); url != "" {
		return c.askServer(url, prompt)
	}
	return c.askTerminal(prompt)
}

// askServer posts the prompt to the credential endpoint and waits for
// the resolution. No client timeout: the human on the other end may
// take a while.
func (c *AskpassCmd) askServer(baseURL, prompt string) error {
	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/credential-prompt", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv(askpassTokenEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("credential prompt request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("credential prompt rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Credential *string `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode credential response: %w", err)
	}
	if out.Credential == nil {
		return fmt.Errorf("credential prompt refused")
	}

	fmt.Println(*out.Credential)
	return nil
}

// askTerminal reads the answer from the controlling terminal, hiding
// input for password-style prompts.
func (c *AskpassCmd) askTerminal(prompt string) error {
	fmt.Fprint(os.Stderr, prompt+" ")

	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "password") || strings.Contains(lower, "passphrase") {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		fmt.Println(string(secret))
		return nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read input: %w", err)
	}
	fmt.Println(strings.TrimRight(line, "\r\n"))
	return nil
}
