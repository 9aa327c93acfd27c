package config

// ExitCodeBlockingError should be returned when the gateway is completely
// inoperable. For example, the config is broken or the rules can't be loaded.
const ExitCodeBlockingError = 1

// ExitCodeGeneralError should be returned when the gateway was able to run
// but there were still errors. For example a scan fell back to an empty
// result because the engine failed.
const ExitCodeGeneralError = 2

// ExitCodeMaliciousFound should be returned when an ad-hoc scan comes back
// Malicious. If there are both general errors and a malicious verdict, this
// should be returned instead of general errors.
const ExitCodeMaliciousFound = 3
