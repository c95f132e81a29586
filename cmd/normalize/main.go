// Command normalize runs the content normalizer over an HTML file or stdin
// and prints what it changed.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/logger"
	"github.com/debemdeboas/kbpreview/internal/normalize"
)

type options struct {
	Config     string   `short:"c" long:"config" default:"config.yaml" description:"Path to the YAML configuration file"`
	EmbedHosts []string `long:"embed-host" description:"Allowed iframe host; repeat to replace the configured list"`
	Quiet      bool     `short:"q" long:"quiet" description:"Print only the normalized HTML"`
	Args       struct {
		File string `positional-arg-name:"FILE" description:"HTML file to normalize; stdin when omitted or -"`
	} `positional-args:"yes"`
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	nameStyle    = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("245"))
	countStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	l := logger.New("warn")
	config.SetLogger(logger.Component(l, "config"))
	normalize.SetLogger(logger.Component(l, "normalize"))

	if err := config.LoadConfig(opts.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	nc := config.AppConfig.Normalizer
	if len(opts.EmbedHosts) > 0 {
		nc.AllowedEmbedHosts = opts.EmbedHosts
	}

	raw, err := readInput(opts.Args.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	out, report := normalize.New(normalize.OptionsFromConfig(nc)).NormalizeWithReport(raw)
	fmt.Println(out)

	if !opts.Quiet {
		fmt.Fprintln(os.Stderr, renderReport(report))
	}
}

func readInput(path string) (string, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func renderReport(r normalize.Report) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Normalization report"))
	b.WriteString("\n")
	for _, c := range r.Counts() {
		if c.Value == 0 {
			continue
		}
		b.WriteString(nameStyle.Render(c.Name))
		b.WriteString(countStyle.Render(fmt.Sprint(c.Value)))
		b.WriteString("\n")
	}
	if !r.Changed() {
		b.WriteString("already normalized\n")
	}
	b.WriteString(nameStyle.Render("passes"))
	b.WriteString(countStyle.Render(fmt.Sprint(r.Passes)))
	if r.FallbackUsed {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render("regex fallback used: " + strings.Join(r.Failures, "; ")))
	}
	return summaryStyle.Render(b.String())
}
