package config

import (
	"container/list"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/robfig/config"
)

// SmtpConfig houses the SMTP server configuration - not using pointers
// so that I can pass around copies of the object safely.
type SmtpConfig struct {
	Ip4address      net.IP
	Ip4port         int
	Domain          string
	MaxIdleSeconds  int
	MaxClients      int
	MaxMessageBytes int
	MaxLineLength   int
	FilterTimeout   time.Duration
	Vrfy            bool
	Pipelining      bool
	Chunking        bool
	SMTPUTF8        bool
	SMTPUTF8Strict  bool
	BadClientLimit  int
	TLSCert         string
	TLSKey          string
	TLSImplicit     bool
	AuthRequiresTLS bool
	MailRequiresTLS bool
	Disabled        bool
}

type AuthConfig struct {
	Secrets string
}

type VerifyConfig struct {
	Executable   string
	Timeout      time.Duration
	LocalDomains []string

	// Full names keyed by local part, empty to accept any local part.
	LocalUsers map[string]string
}

type FilterConfig struct {
	// Filter specification, see filter.New.
	Spec    string
	Timeout time.Duration
}

type AdminConfig struct {
	Enabled    bool
	Ip4address net.IP
	Ip4port    int
}

type StoreConfig struct {
	MaxMessages int
}

var (
	// Global goconfig object
	Config *config.Config

	// Parsed specific configs
	smtpConfig   *SmtpConfig
	authConfig   *AuthConfig
	verifyConfig *VerifyConfig
	filterConfig *FilterConfig
	adminConfig  *AdminConfig
	storeConfig  *StoreConfig
)

// GetSmtpConfig returns a copy of the SmtpConfig object
func GetSmtpConfig() SmtpConfig {
	return *smtpConfig
}

// GetAuthConfig returns a copy of the AuthConfig object
func GetAuthConfig() AuthConfig {
	return *authConfig
}

// GetVerifyConfig returns a copy of the VerifyConfig object
func GetVerifyConfig() VerifyConfig {
	return *verifyConfig
}

// GetFilterConfig returns a copy of the FilterConfig object
func GetFilterConfig() FilterConfig {
	return *filterConfig
}

// GetAdminConfig returns a copy of the AdminConfig object
func GetAdminConfig() AdminConfig {
	return *adminConfig
}

// GetStoreConfig returns a copy of the StoreConfig object
func GetStoreConfig() StoreConfig {
	return *storeConfig
}

// LoadConfig loads the specified configuration file into config.Config
// and performs validations on it.
func LoadConfig(filename string) error {
	var err error
	Config, err = config.ReadDefault(filename)
	if err != nil {
		return err
	}

	messages := list.New()

	// Validate sections
	requireSection(messages, "logging")
	requireSection(messages, "smtp")
	if messages.Len() > 0 {
		return validationError(messages)
	}

	// Validate options
	requireOption(messages, "logging", "level")
	requireOption(messages, "smtp", "ip4.address")
	requireOption(messages, "smtp", "ip4.port")
	requireOption(messages, "smtp", "domain")
	requireOption(messages, "smtp", "max.idle.seconds")
	requireOption(messages, "smtp", "max.message.bytes")
	if Config.HasSection("admin") {
		requireOption(messages, "admin", "ip4.address")
		requireOption(messages, "admin", "ip4.port")
	}

	// Return error if validations failed
	if messages.Len() > 0 {
		return validationError(messages)
	}

	if err = parseLoggingConfig(); err != nil {
		return err
	}

	if err = parseSmtpConfig(); err != nil {
		return err
	}

	if err = parseAuthConfig(); err != nil {
		return err
	}

	if err = parseVerifyConfig(); err != nil {
		return err
	}

	if err = parseFilterConfig(); err != nil {
		return err
	}

	if err = parseAdminConfig(); err != nil {
		return err
	}

	if err = parseStoreConfig(); err != nil {
		return err
	}

	return nil
}

func validationError(messages *list.List) error {
	fmt.Fprintln(os.Stderr, "Error(s) validating configuration:")
	for e := messages.Front(); e != nil; e = e.Next() {
		fmt.Fprintln(os.Stderr, " -", e.Value.(string))
	}
	return fmt.Errorf("Failed to validate configuration")
}

// parseLoggingConfig trying to catch config errors early
func parseLoggingConfig() error {
	section := "logging"

	option := "level"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	switch strings.ToUpper(str) {
	case "TRACE", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, option, str)
	}
	return nil
}

// GetLogLevel returns the configured log level name
func GetLogLevel() string {
	str, _ := Config.String("logging", "level")
	return str
}

// parseIP4 parses an IPv4 address only, error on IP6.
func parseIP4(section, option string) (net.IP, error) {
	str, err := Config.String(section, option)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	addr := net.ParseIP(str)
	if addr == nil {
		return nil, fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, str)
	}
	addr = addr.To4()
	if addr == nil {
		return nil, fmt.Errorf("Failed to parse [%v]%v: '%v' not IPv4!", section, option, str)
	}
	return addr, nil
}

func optionalString(section, option, def string) (string, error) {
	if !Config.HasOption(section, option) {
		return def, nil
	}
	str, err := Config.String(section, option)
	if err != nil {
		return "", fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	return str, nil
}

func optionalBool(section, option string, def bool) (bool, error) {
	if !Config.HasOption(section, option) {
		return def, nil
	}
	flag, err := Config.Bool(section, option)
	if err != nil {
		return false, fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	return flag, nil
}

func optionalInt(section, option string, def int) (int, error) {
	if !Config.HasOption(section, option) {
		return def, nil
	}
	n, err := Config.Int(section, option)
	if err != nil {
		return 0, fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	return n, nil
}

// optionalSeconds reads a whole number of seconds.
func optionalSeconds(section, option string, def time.Duration) (time.Duration, error) {
	n, err := optionalInt(section, option, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, option, n)
	}
	return time.Duration(n) * time.Second, nil
}

// splitList splits a comma separated option value.
func splitList(str string) []string {
	var items []string
	for _, item := range strings.Split(str, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseSmtpConfig trying to catch config errors early
func parseSmtpConfig() error {
	smtpConfig = new(SmtpConfig)
	section := "smtp"

	var err error
	smtpConfig.Ip4address, err = parseIP4(section, "ip4.address")
	if err != nil {
		return err
	}

	option := "ip4.port"
	smtpConfig.Ip4port, err = Config.Int(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}

	option = "domain"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	smtpConfig.Domain = str

	option = "max.clients"
	smtpConfig.MaxClients, err = Config.Int(section, option)
	if err != nil {
		smtpConfig.MaxClients = 50
	}

	option = "max.idle.seconds"
	smtpConfig.MaxIdleSeconds, err = Config.Int(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}

	option = "max.message.bytes"
	smtpConfig.MaxMessageBytes, err = Config.Int(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}

	if smtpConfig.MaxLineLength, err = optionalInt(section, "max.line.length", 2000); err != nil {
		return err
	}
	if smtpConfig.FilterTimeout, err = optionalSeconds(section, "filter.timeout", 0); err != nil {
		return err
	}
	if smtpConfig.Vrfy, err = optionalBool(section, "vrfy", false); err != nil {
		return err
	}
	if smtpConfig.Pipelining, err = optionalBool(section, "pipelining", true); err != nil {
		return err
	}
	if smtpConfig.Chunking, err = optionalBool(section, "chunking", true); err != nil {
		return err
	}
	if smtpConfig.SMTPUTF8, err = optionalBool(section, "smtputf8", true); err != nil {
		return err
	}
	if smtpConfig.SMTPUTF8Strict, err = optionalBool(section, "smtputf8.strict", false); err != nil {
		return err
	}
	if smtpConfig.BadClientLimit, err = optionalInt(section, "bad.client.limit", 0); err != nil {
		return err
	}
	if smtpConfig.TLSCert, err = optionalString(section, "tls.cert", ""); err != nil {
		return err
	}
	if smtpConfig.TLSKey, err = optionalString(section, "tls.key", ""); err != nil {
		return err
	}
	if (smtpConfig.TLSCert == "") != (smtpConfig.TLSKey == "") {
		return fmt.Errorf("Config options tls.cert and tls.key must be set together in section [%v]", section)
	}
	if smtpConfig.TLSImplicit, err = optionalBool(section, "tls.implicit", false); err != nil {
		return err
	}
	if smtpConfig.TLSImplicit && smtpConfig.TLSCert == "" {
		return fmt.Errorf("Config option tls.implicit needs tls.cert in section [%v]", section)
	}
	if smtpConfig.AuthRequiresTLS, err = optionalBool(section, "auth.requires.tls", true); err != nil {
		return err
	}
	if smtpConfig.MailRequiresTLS, err = optionalBool(section, "mail.requires.tls", false); err != nil {
		return err
	}
	if smtpConfig.Disabled, err = optionalBool(section, "disabled", false); err != nil {
		return err
	}

	return nil
}

// parseAuthConfig trying to catch config errors early
func parseAuthConfig() error {
	authConfig = new(AuthConfig)

	var err error
	authConfig.Secrets, err = optionalString("auth", "secrets", "")
	return err
}

// parseVerifyConfig trying to catch config errors early
func parseVerifyConfig() error {
	verifyConfig = new(VerifyConfig)
	section := "verify"

	var err error
	if verifyConfig.Executable, err = optionalString(section, "executable", ""); err != nil {
		return err
	}
	if verifyConfig.Timeout, err = optionalSeconds(section, "timeout", 60*time.Second); err != nil {
		return err
	}

	str, err := optionalString(section, "local.domains", "")
	if err != nil {
		return err
	}
	verifyConfig.LocalDomains = splitList(str)

	// local.users = alice=Alice Liddell, bob
	str, err = optionalString(section, "local.users", "")
	if err != nil {
		return err
	}
	for _, item := range splitList(str) {
		user, name, found := strings.Cut(item, "=")
		user = strings.TrimSpace(user)
		if user == "" {
			return fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, "local.users", item)
		}
		if !found {
			name = user
		}
		if verifyConfig.LocalUsers == nil {
			verifyConfig.LocalUsers = make(map[string]string)
		}
		verifyConfig.LocalUsers[user] = strings.TrimSpace(name)
	}

	return nil
}

// parseFilterConfig trying to catch config errors early
func parseFilterConfig() error {
	filterConfig = new(FilterConfig)
	section := "filter"

	var err error
	if filterConfig.Spec, err = optionalString(section, "executable", ""); err != nil {
		return err
	}
	if filterConfig.Timeout, err = optionalSeconds(section, "timeout", 60*time.Second); err != nil {
		return err
	}
	return nil
}

// parseAdminConfig trying to catch config errors early
func parseAdminConfig() error {
	adminConfig = new(AdminConfig)
	section := "admin"
	if !Config.HasSection(section) {
		return nil
	}

	var err error
	if adminConfig.Enabled, err = optionalBool(section, "enabled", true); err != nil {
		return err
	}
	adminConfig.Ip4address, err = parseIP4(section, "ip4.address")
	if err != nil {
		return err
	}

	option := "ip4.port"
	adminConfig.Ip4port, err = Config.Int(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	return nil
}

// parseStoreConfig trying to catch config errors early
func parseStoreConfig() error {
	storeConfig = new(StoreConfig)

	var err error
	storeConfig.MaxMessages, err = optionalInt("store", "max.messages", 1000)
	return err
}

// requireSection checks that a [section] is defined in the configuration file,
// appending a message if not.
func requireSection(messages *list.List, section string) {
	if !Config.HasSection(section) {
		messages.PushBack(fmt.Sprintf("Config section [%v] is required", section))
	}
}

// requireOption checks that 'option' is defined in [section] of the config file,
// appending a message if not.
func requireOption(messages *list.List, section string, option string) {
	if !Config.HasOption(section, option) {
		messages.PushBack(fmt.Sprintf("Config option '%v' is required in section [%v]", option, section))
	}
}
