package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Default file names written by the Generator
const (
	EmbedFile   = "embed_config.yaml"
	ExtractFile = "extract_config.yaml"
	RemoveFile  = "remove_config.yaml"
	NodeFile    = "ledgerd.yaml"
)

// Defaults applied by the Default* constructors
const (
	DefaultStride     = 3
	DefaultDataType   = "png"
	DefaultLedgerPath = "blockchain.json"
	DefaultListenAddr = "127.0.0.1:7400"
	DefaultStoreKind  = "file"
)

// OperationExtraction tags extract configs; extraction never reaches the ledger
const OperationExtraction = "extraction"

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("kernel", validateKernel); err != nil {
		panic(fmt.Sprintf("failed to register kernel validation: %v", err))
	}
}

func validateKernel(fl validator.FieldLevel) bool {
	k, ok := fl.Field().Interface().(model.Kernel)
	if !ok {
		return false
	}
	return k.Validate() == nil
}

// EmbedConfig drives a batch embedding run
type EmbedConfig struct {
	DataPath       string       `yaml:"data_path" validate:"required"`
	SavePath       string       `yaml:"save_path" validate:"required"`
	BlockchainPath string       `yaml:"blockchain_path" validate:"required"`
	Message        string       `yaml:"message" validate:"required"`
	Kernel         model.Kernel `yaml:"kernel" validate:"kernel"`
	Stride         int          `yaml:"stride" validate:"min=1"`
	THi            int          `yaml:"t_hi" validate:"min=0"`
	BitDepth       int          `yaml:"bit_depth" validate:"min=0,max=16"`
	DataType       string       `yaml:"data_type" validate:"required,oneof=png jpeg bmp tiff dcm"`
	OperationType  string       `yaml:"operation_type" validate:"eq=embedding"`
}

// Params returns the codec parameters carried by the config
func (c *EmbedConfig) Params() model.Params {
	return model.Params{
		Kernel:   c.Kernel,
		Stride:   c.Stride,
		THi:      c.THi,
		BitDepth: c.BitDepth,
	}
}

// ExtractConfig drives the extraction of one probe image
type ExtractConfig struct {
	DataPath       string `yaml:"data_path" validate:"required"`
	BlockchainPath string `yaml:"blockchain_path" validate:"required"`
	DataType       string `yaml:"data_type" validate:"required,oneof=png jpeg bmp tiff dcm"`
	OperationType  string `yaml:"operation_type" validate:"eq=extraction"`
}

// RemoveConfig drives a batch removal run
type RemoveConfig struct {
	DataPath       string `yaml:"data_path" validate:"required"`
	SavePath       string `yaml:"save_path" validate:"required"`
	ExtWatPath     string `yaml:"ext_wat_path" validate:"required"`
	BlockchainPath string `yaml:"blockchain_path" validate:"required"`
	DataType       string `yaml:"data_type" validate:"required,oneof=png jpeg bmp tiff dcm"`
	OperationType  string `yaml:"operation_type" validate:"eq=removal"`
}

// NodeConfig holds the ledger daemon settings
type NodeConfig struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required,hostname_port"`
	StoreKind   string `yaml:"store_kind" validate:"oneof=file badger"`
	StorePath   string `yaml:"store_path" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// DefaultEmbed returns an embed config with the stock kernel and stride
func DefaultEmbed() *EmbedConfig {
	return &EmbedConfig{
		BlockchainPath: DefaultLedgerPath,
		Kernel:         model.DefaultKernel(),
		Stride:         DefaultStride,
		DataType:       DefaultDataType,
		OperationType:  model.OperationEmbedding,
	}
}

// DefaultExtract returns an extract config
func DefaultExtract() *ExtractConfig {
	return &ExtractConfig{
		BlockchainPath: DefaultLedgerPath,
		DataType:       DefaultDataType,
		OperationType:  OperationExtraction,
	}
}

// DefaultRemove returns a remove config
func DefaultRemove() *RemoveConfig {
	return &RemoveConfig{
		BlockchainPath: DefaultLedgerPath,
		DataType:       DefaultDataType,
		OperationType:  model.OperationRemoval,
	}
}

// DefaultNode returns daemon settings backed by a JSON file store
func DefaultNode() *NodeConfig {
	return &NodeConfig{
		ListenAddr: DefaultListenAddr,
		StoreKind:  DefaultStoreKind,
		StorePath:  DefaultLedgerPath,
	}
}

// Validate checks struct tags on any of the config types
func Validate(cfg any) error {
	if cfg == nil {
		return fmt.Errorf("%w: config cannot be nil", model.ErrInvalidParameters)
	}
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if c, ok := cfg.(interface{ Params() model.Params }); ok {
		return c.Params().Validate()
	}
	return nil
}

// formatValidationError reports the first failing field
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %v", model.ErrInvalidParameters, err)
	}

	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%w: %s is required", model.ErrInvalidParameters, field)
		case "min":
			return fmt.Errorf("%w: %s must be at least %s", model.ErrInvalidParameters, field, e.Param())
		case "max":
			return fmt.Errorf("%w: %s must not exceed %s", model.ErrInvalidParameters, field, e.Param())
		case "oneof":
			return fmt.Errorf("%w: %s must be one of [%s]", model.ErrInvalidParameters, field, e.Param())
		case "kernel":
			return fmt.Errorf("%w: %s must be a rectangular odd-sized grid of non-negative weights", model.ErrInvalidParameters, field)
		default:
			return fmt.Errorf("%w: %s failed %s validation", model.ErrInvalidParameters, field, e.Tag())
		}
	}
	return fmt.Errorf("%w: %v", model.ErrInvalidParameters, err)
}

// Load reads a YAML file into cfg and validates it
func Load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", model.ErrInvalidParameters, path, err)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories
func Save(path string, cfg any) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Generator writes and reads the three operation configs under Dir
type Generator struct {
	Dir string
}

// NewGenerator returns a generator rooted at dir
func NewGenerator(dir string) *Generator {
	return &Generator{Dir: dir}
}

func (g *Generator) path(name string) string {
	return filepath.Join(g.Dir, name)
}

// GenerateEmbed validates cfg and writes it to embed_config.yaml
func (g *Generator) GenerateEmbed(cfg *EmbedConfig) (string, error) {
	return g.generate(EmbedFile, cfg)
}

// GenerateExtract validates cfg and writes it to extract_config.yaml
func (g *Generator) GenerateExtract(cfg *ExtractConfig) (string, error) {
	return g.generate(ExtractFile, cfg)
}

// GenerateRemove validates cfg and writes it to remove_config.yaml
func (g *Generator) GenerateRemove(cfg *RemoveConfig) (string, error) {
	return g.generate(RemoveFile, cfg)
}

func (g *Generator) generate(name string, cfg any) (string, error) {
	if err := Validate(cfg); err != nil {
		return "", err
	}
	path := g.path(name)
	if err := Save(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

// LoadEmbed reads embed_config.yaml
func (g *Generator) LoadEmbed() (*EmbedConfig, error) {
	cfg := DefaultEmbed()
	if err := Load(g.path(EmbedFile), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadExtract reads extract_config.yaml
func (g *Generator) LoadExtract() (*ExtractConfig, error) {
	cfg := DefaultExtract()
	if err := Load(g.path(ExtractFile), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRemove reads remove_config.yaml
func (g *Generator) LoadRemove() (*RemoveConfig, error) {
	cfg := DefaultRemove()
	if err := Load(g.path(RemoveFile), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
