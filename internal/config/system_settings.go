package config

import (
	"os"
	"strconv"
)

const DATABASE_TYPE = "SFLOW_DATABASE_TYPE"
const DATABASE_URL = "SFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "SFLOW_DATABASE_SQLLITE_FILE_NAME"
const APPROVAL_SWEEP_INTERVAL = "SFLOW_APPROVAL_SWEEP_INTERVAL"     //how often overdue approvals are escalated
const APPROVAL_SWEEP_BATCH_SIZE = "SFLOW_APPROVAL_SWEEP_BATCH_SIZE" //max overdue approvals processed per sweep
const WORKFLOW_CACHE_TTL = "SFLOW_WORKFLOW_CACHE_TTL"               //how long activated graphs stay cached
const WORKFLOW_CACHE_CLEANUP_INTERVAL = "SFLOW_WORKFLOW_CACHE_CLEANUP_INTERVAL"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == APPROVAL_SWEEP_INTERVAL {
		return "60s" // default to 60 seconds
	}
	if settingKey == APPROVAL_SWEEP_BATCH_SIZE {
		return "100"
	}
	if settingKey == WORKFLOW_CACHE_TTL {
		return "5m"
	}
	if settingKey == WORKFLOW_CACHE_CLEANUP_INTERVAL {
		return "10m"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./stepflow.db"
	}
	return ""
}
