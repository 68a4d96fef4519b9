package nsq

// VERSION of the library, announced to nsqd via the IDENTIFY user_agent
const VERSION = "1.0.0"
