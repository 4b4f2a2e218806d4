package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/acobaugh/osrelease"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/environment/docker"
	"github.com/enVId-tech/craftd/loggers/cli"
	"github.com/enVId-tech/craftd/system"
)

const (
	DefaultHastebinUrl = "https://hastebin.com"
	DefaultLogLines    = 200
)

var diagnosticsArgs struct {
	IncludeEndpoints   bool
	IncludeLogs        bool
	ReviewBeforeUpload bool
	HastebinURL        string
	LogLines           int
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Collect and report information about this daemon instance to assist in debugging.",
	PreRun: func(cmd *cobra.Command, args []string) {
		_ = initConfig()
		log.SetHandler(cli.Default)
	},
	Run: diagnosticsCmdRun,
}

func init() {
	diagnosticsCmd.Flags().StringVar(&diagnosticsArgs.HastebinURL, "hastebin-url", DefaultHastebinUrl, "the url of the hastebin instance to use")
	diagnosticsCmd.Flags().IntVar(&diagnosticsArgs.LogLines, "log-lines", DefaultLogLines, "the number of log lines to include in the report")
}

// diagnosticsCmdRun collects diagnostics about the daemon, its configuration
// and the host. We collect:
// - daemon and docker versions
// - relevant parts of the daemon configuration
// - running docker containers
// - logs
func diagnosticsCmdRun(*cobra.Command, []string) {
	questions := []*survey.Question{
		{
			Name:   "IncludeEndpoints",
			Prompt: &survey.Confirm{Message: "Do you want to include endpoints (i.e. the FQDN/IP this daemon binds to)?", Default: false},
		},
		{
			Name:   "IncludeLogs",
			Prompt: &survey.Confirm{Message: "Do you want to include the latest logs?", Default: true},
		},
		{
			Name: "ReviewBeforeUpload",
			Prompt: &survey.Confirm{
				Message: "Do you want to review the collected data before uploading to " + diagnosticsArgs.HastebinURL + "?",
				Help:    "The data, especially the logs, might contain sensitive information, so you should review it. You will be asked again if you want to upload.",
				Default: true,
			},
		},
	}
	if err := survey.Ask(questions, &diagnosticsArgs); err != nil {
		if err == terminal.InterruptErr {
			return
		}
		panic(err)
	}

	output := &strings.Builder{}
	fmt.Fprintln(output, "craftd - Diagnostics Report")
	printHeader(output, "Versions")
	fmt.Fprintln(output, "              craftd:", system.Version)
	if v, err := dockerServerVersion(); err == nil {
		fmt.Fprintln(output, "              Docker:", v)
	}
	if release, err := osrelease.Read(); err == nil {
		fmt.Fprintln(output, "                  OS:", release["PRETTY_NAME"])
	}

	printHeader(output, "Daemon Configuration")
	cfg := config.Get()
	fmt.Fprintln(output, "  Internal Webserver:", redact(cfg.Api.Host), ":", cfg.Api.Port)
	fmt.Fprintln(output, "         SSL Enabled:", cfg.Api.Ssl.Enabled)
	fmt.Fprintln(output, "     SSL Certificate:", redact(cfg.Api.Ssl.CertificateFile))
	fmt.Fprintln(output, "             SSL Key:", redact(cfg.Api.Ssl.KeyFile))
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "          File Store:", redact(cfg.FileStore.Address))
	fmt.Fprintln(output, "      Redis Registry:", redact(cfg.Redis.Address))
	fmt.Fprintln(output, "       DNS Registrar:", redact(cfg.Dns.Endpoint))
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "      Root Directory:", cfg.System.RootDirectory)
	fmt.Fprintln(output, "      Logs Directory:", cfg.System.LogDirectory)
	fmt.Fprintln(output, "   Archive Directory:", cfg.System.ArchiveDirectory)
	fmt.Fprintln(output, "  Template Directory:", cfg.System.TemplateDirectory)
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "         Environment:", cfg.Fleet.Environment)
	fmt.Fprintln(output, "     Game Port Range:", cfg.Fleet.GamePortStart, "-", cfg.Fleet.GamePortEnd)
	fmt.Fprintln(output, "         Server Time:", time.Now().Format(time.RFC1123Z))
	fmt.Fprintln(output, "          Debug Mode:", cfg.Debug)

	printHeader(output, "Docker: Running Containers")
	c := exec.Command("docker", "ps")
	if co, err := c.Output(); err == nil {
		output.Write(co)
	} else {
		fmt.Fprint(output, "Couldn't list containers: ", err)
	}

	printHeader(output, "Latest Daemon Logs")
	if diagnosticsArgs.IncludeLogs {
		p := path.Join(cfg.System.LogDirectory, "craftd.log")
		if c, err := exec.Command("tail", "-n", strconv.Itoa(diagnosticsArgs.LogLines), p).Output(); err != nil {
			fmt.Fprintln(output, "No logs found or an error occurred.")
		} else {
			fmt.Fprintf(output, "%s\n", string(c))
		}
	} else {
		fmt.Fprintln(output, "Logs redacted.")
	}

	if !diagnosticsArgs.IncludeEndpoints {
		s := output.String()
		output.Reset()
		for _, v := range []string{cfg.Api.Host, cfg.Api.Ssl.CertificateFile, cfg.Api.Ssl.KeyFile, cfg.FileStore.Address, cfg.Redis.Address, cfg.Dns.Endpoint} {
			if v != "" {
				s = strings.ReplaceAll(s, v, "{redacted}")
			}
		}
		output.WriteString(s)
	}

	fmt.Println("\n---------------  generated report  ---------------")
	fmt.Println(output.String())
	fmt.Print("---------------   end of report    ---------------\n\n")

	upload := !diagnosticsArgs.ReviewBeforeUpload
	if !upload {
		survey.AskOne(&survey.Confirm{Message: "Upload to " + diagnosticsArgs.HastebinURL + "?", Default: false}, &upload)
	}
	if upload {
		u, err := uploadToHastebin(diagnosticsArgs.HastebinURL, output.String())
		if err == nil {
			fmt.Println("Your report is available here: ", u)
		}
	}
}

func dockerServerVersion() (string, error) {
	client, err := docker.Cli()
	if err != nil {
		return "", err
	}
	v, err := client.ServerVersion(context.Background())
	if err != nil {
		return "", err
	}
	return v.Version, nil
}

func uploadToHastebin(hbUrl, content string) (string, error) {
	r := strings.NewReader(content)
	u, err := url.Parse(hbUrl)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, "documents")
	res, err := http.Post(u.String(), "plain/text", r)
	if err != nil || res.StatusCode != 200 {
		fmt.Println("Failed to upload report to ", u.String(), err)
		return "", err
	}
	pres := make(map[string]interface{})
	body, err := io.ReadAll(res.Body)
	if err != nil {
		fmt.Println("Failed to parse response.", err)
		return "", err
	}
	json.Unmarshal(body, &pres)
	if key, ok := pres["key"].(string); ok {
		u, _ := url.Parse(hbUrl)
		u.Path = path.Join(u.Path, key)
		return u.String(), nil
	}
	return "", errors.New("failed to find key in response")
}

func redact(s string) string {
	if !diagnosticsArgs.IncludeEndpoints {
		return "{redacted}"
	}
	return s
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n|\n|", title)
	fmt.Fprintln(w, "| ------------------------------")
}
