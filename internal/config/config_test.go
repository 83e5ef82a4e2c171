package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "warden-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				valid := `
server:
  webhook_port: "8080"
  metrics_port: "9090"

webhook_auth:
  user: "warden"
  password: "secret"

ssh:
  user: "warden"
  key_path: "/etc/warden/id_ed25519"

llm:
  provider: "anthropic"
  anthropic_api_key: "sk-test"
  anthropic_model: "claude-sonnet-4-5"
  max_tokens: 4096

monitoring:
  base_url: "http://localhost:9090"

notify:
  mode: "webhook"
  webhook_url: "https://hooks.slack.com/services/x"

store:
  backend: "postgres"
  host: "localhost"
  port: 5432
  user: "warden"
  database: "warden"

orchestrator:
  max_attempts: 3
  attempt_window: 2h
  escalation_cooldown: 4h

policy:
  rego_path: "policy/validator.rego"
  data_path: "policy/data.yaml"
`
				Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			})

			It("loads configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())

				Expect(cfg.Server.WebhookPort).To(Equal("8080"))
				Expect(cfg.SSH.User).To(Equal("warden"))
				Expect(cfg.LLM.Provider).To(Equal("anthropic"))
				Expect(cfg.LLM.AnthropicKey).To(Equal("sk-test"))
				Expect(cfg.Monitoring.BaseURL).To(Equal("http://localhost:9090"))
				Expect(cfg.Notify.Mode).To(Equal("webhook"))
				Expect(cfg.Store.Backend).To(Equal("postgres"))
				Expect(cfg.Orchestrator.MaxAttempts).To(Equal(3))
				Expect(cfg.Orchestrator.AttemptWindow).To(Equal(2 * time.Hour))
				Expect(cfg.Policy.RegoPath).To(Equal("policy/validator.rego"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimal := `
server:
  webhook_port: "3000"
webhook_auth:
  user: "warden"
  password: "secret"
ssh:
  user: "warden"
  key_path: "/etc/warden/id_ed25519"
llm:
  provider: "anthropic"
  anthropic_api_key: "sk-test"
monitoring:
  base_url: "http://localhost:9090"
notify:
  mode: "webhook"
  webhook_url: "https://hooks.slack.com/services/x"
policy:
  rego_path: "policy/validator.rego"
  data_path: "policy/data.yaml"
`
				Expect(os.WriteFile(configFile, []byte(minimal), 0644)).To(Succeed())
			})

			It("loads with defaults for missing values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.WebhookPort).To(Equal("3000"))
				Expect(cfg.Store.Backend).To(Equal("memory"))
				Expect(cfg.Orchestrator.MaxAttempts).To(Equal(3))
				Expect(cfg.Orchestrator.DedupCooldown).To(Equal(5 * time.Minute))
				Expect(cfg.Agent.MaxSteps).To(Equal(8))
			})
		})

		Context("when config file does not exist", func() {
			It("returns an error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalid := "server:\n  webhook_port: [\n"
				Expect(os.WriteFile(configFile, []byte(invalid), 0644)).To(Succeed())
			})

			It("returns an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			c := defaults()
			c.WebhookAuth = WebhookAuthConfig{User: "warden", Password: "secret"}
			c.SSH = SSHConfig{User: "warden", KeyPath: "/etc/warden/id_ed25519"}
			c.LLM = LLMConfig{Provider: "anthropic", AnthropicKey: "sk-test"}
			c.Monitoring = MonitoringConfig{BaseURL: "http://localhost:9090"}
			c.Notify = NotifyConfig{Mode: "webhook", WebhookURL: "https://hooks.slack.com/services/x"}
			c.Policy = PolicyConfig{RegoPath: "policy/validator.rego", DataPath: "policy/data.yaml"}
			cfg = &c
		})

		It("passes for a fully valid config", func() {
			Expect(validate(cfg)).To(Succeed())
		})

		Context("when the LLM provider is anthropic with no key", func() {
			BeforeEach(func() { cfg.LLM.AnthropicKey = "" })

			It("fails validation", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("anthropic_api_key"))
			})
		})

		Context("when the LLM provider is bedrock with no model", func() {
			BeforeEach(func() {
				cfg.LLM.Provider = "bedrock"
				cfg.LLM.BedrockModel = ""
			})

			It("fails validation", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("bedrock_model"))
			})
		})

		Context("when notify mode is bot_token with no token", func() {
			BeforeEach(func() {
				cfg.Notify = NotifyConfig{Mode: "bot_token", Channel: "#alerts"}
			})

			It("fails validation", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("bot_token"))
			})
		})

		Context("when store backend is postgres with no database name", func() {
			BeforeEach(func() {
				cfg.Store = StoreConfig{Backend: "postgres"}
			})

			It("fails validation", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("store.database"))
			})
		})

		Context("when max_attempts is zero", func() {
			BeforeEach(func() { cfg.Orchestrator.MaxAttempts = 0 })

			It("fails struct validation", func() {
				Expect(validate(cfg)).To(HaveOccurred())
			})
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			c := Config{}
			cfg = &c
			os.Clearenv()
		})

		AfterEach(func() { os.Clearenv() })

		It("overlays set environment variables", func() {
			os.Setenv("WARDEN_WEBHOOK_PORT", "3000")
			os.Setenv("WARDEN_LOG_LEVEL", "debug")
			os.Setenv("WARDEN_MAX_ATTEMPTS", "5")

			Expect(loadFromEnv(cfg)).To(Succeed())
			Expect(cfg.Server.WebhookPort).To(Equal("3000"))
			Expect(cfg.Logging.Level).To(Equal("debug"))
			Expect(cfg.Orchestrator.MaxAttempts).To(Equal(5))
		})

		It("leaves config unmodified when nothing is set", func() {
			before := *cfg
			Expect(loadFromEnv(cfg)).To(Succeed())
			Expect(*cfg).To(Equal(before))
		})

		It("rejects a non-numeric WARDEN_MAX_ATTEMPTS", func() {
			os.Setenv("WARDEN_MAX_ATTEMPTS", "not-a-number")
			Expect(loadFromEnv(cfg)).To(HaveOccurred())
		})
	})
})
