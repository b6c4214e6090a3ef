package version

// Version is the current version of the Warpcam CLI, set at build time with
// -ldflags "-X github.com/BioHazard786/Warpcam/cli/internal/version.Version=v1.0.0".
var Version = "dev"
