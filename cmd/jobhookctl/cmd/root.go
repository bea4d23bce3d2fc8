package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:8080"

var (
	cfgFile    string
	serverAddr string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobhookctl",
	Short: "jobhook CLI - inspect and repair webhook deliveries",
	Long: `jobhookctl is a command line tool for the jobhook delivery engine.

You can use it to send job completions, check delivery status, trigger
manual retries, and manage the dead-letter archive.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobhookctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer, "API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for authentication (overrides JWT_TOKEN env var)")

	// Bind flags to viper
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".jobhookctl")
	}

	viper.SetEnvPrefix("JOBHOOKCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

// baseURL returns the server address with a scheme and no trailing slash.
func baseURL() string {
	s := strings.TrimRight(serverAddr, "/")
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	return s
}

// makeHTTPRequest makes an HTTP request to the REST API
func makeHTTPRequest(method, path string, body any) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, baseURL()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// Add JWT token if available
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	return client.Do(req)
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	case e.Code != "":
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// doJSON sends a request and decodes a 2xx body into out. Other statuses
// become *apiError; out is still filled when the body decodes into it.
func doJSON(method, path string, body, out any) (int, error) {
	resp, err := makeHTTPRequest(method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		ae := &apiError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, ae)
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return resp.StatusCode, ae
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isStatus(err error, code int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v as JSON, through jq when --pretty is set.
func printOutput(w io.Writer, v any) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}
	fmt.Fprintln(w, string(jsonData))
}

// parseJSON checks that s is a JSON object or array and returns it raw.
func parseJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty JSON")
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("failed to parse JSON")
	}
	if s[0] != '{' && s[0] != '[' {
		return nil, errors.New("JSON must be an object or array")
	}
	return json.RawMessage(s), nil
}

// parseHeaders turns repeated key=value flags into a header map.
func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q (expected key=value)", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
