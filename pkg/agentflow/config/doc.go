/*
Package config loads the settings file shared by the agentflow CLI and
embedding programs.

	settings, err := config.Load("agentflow.yaml")

The extension selects YAML (.yaml, .yml) or JSON (.json). Fields missing
from the file keep the values from Default, so a file only needs to name
what it changes. After decoding, AGENTFLOW_* environment variables
override the provider section and the log level:

	AGENTFLOW_PROVIDER       provider.kind
	AGENTFLOW_MODEL          provider.model
	AGENTFLOW_BASE_URL       provider.base_url
	AGENTFLOW_API_KEY        provider.api_key (OPENAI_API_KEY is the fallback)
	AGENTFLOW_LOG_LEVEL      logging.level

The result is checked with validator struct tags; Validate reports every
problem at once.
*/
package config
