package dpapi

// Windows protects data with the system DPAPI
const nativeDataProtection = true
