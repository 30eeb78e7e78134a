package stack

// Resource types declared by the provisioners.
const (
	TypeVpc             = "aws:EC2.Vpc"
	TypeSubnet          = "aws:EC2.Subnet"
	TypeInternetGateway = "aws:EC2.InternetGateway"
	TypeElasticIP       = "aws:EC2.ElasticIP"
	TypeNatGateway      = "aws:EC2.NatGateway"
	TypeRouteTable      = "aws:EC2.RouteTable"
	TypeSecurityGroup   = "aws:EC2.SecurityGroup"

	TypeBucket       = "aws:S3.Bucket"
	TypeBucketPolicy = "aws:S3.BucketPolicy"

	TypeRole       = "aws:IAM.Role"
	TypeRolePolicy = "aws:IAM.RolePolicy"

	TypeLoadBalancer = "aws:ELBv2.LoadBalancer"
	TypeTargetGroup  = "aws:ELBv2.TargetGroup"
	TypeListener     = "aws:ELBv2.Listener"

	TypeCluster        = "aws:ECS.Cluster"
	TypeTaskDefinition = "aws:ECS.TaskDefinition"
	TypeService        = "aws:ECS.Service"
	TypeRepository     = "aws:ECR.Repository"
	TypeLogGroup       = "aws:CloudWatch.LogGroup"

	TypeImage = "docker:Image"
)
